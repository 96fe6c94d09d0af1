package draft

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/veritas-labs/datasmith-go/internal/buildplan"
	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	b := NewBuilder(store)
	b.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return b
}

func draftIntent() domain.BuildIntent {
	return domain.BuildIntent{
		RequestID:     "req-draft-1",
		IntentKind:    domain.IntentDatasetBuild,
		PlatformRunID: "run-1",
		ReplayBasis: []domain.ReplayBasisSlice{{
			Topic: "tx", Partition: "0", OffsetKind: "kafka", StartOffset: "100", EndOffset: "110",
		}},
		LabelBasis: domain.LabelBasis{
			AsOfUTC:        time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			ResolutionRule: "latest_observed",
		},
		FeatureSet:    domain.FeatureDefinitionSet{ID: "fraud_core", Version: "3"},
		RunFactsRef:   "facts/run-1.json",
		CodeReleaseID: "rel-1",
	}
}

func testProfile() buildplan.ResolvedFeatureProfile {
	return buildplan.ResolvedFeatureProfile{
		PolicyID:     "pol-1",
		Revision:     "r1",
		GroupName:    "fraud_core",
		GroupVersion: "3",
		Fields:       []string{"amount", "velocity", "is_foreign"},
	}
}

func event(offset int64, eventID string, ts time.Time, hash string) domain.ReplayEvent {
	return domain.ReplayEvent{
		Topic:       "tx",
		Partition:   "0",
		OffsetKind:  "kafka",
		Offset:      domain.FormatOffset(offset),
		EventID:     eventID,
		Timestamp:   ts,
		PayloadHash: hash,
		Payload: map[string]any{
			"amount":     float64(offset) * 1.5,
			"velocity":   3.0,
			"is_foreign": true,
			"merchant":   "ignored-string",
		},
	}
}

func TestBuildDeterministicUnderShuffle(t *testing.T) {
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	events := make([]domain.ReplayEvent, 0, 11)
	for off := int64(100); off <= 110; off++ {
		events = append(events, event(off, "evt-"+domain.FormatOffset(off), base.Add(time.Duration(off)*time.Second), "h"+domain.FormatOffset(off)))
	}

	b1 := newTestBuilder(t)
	first, err := b1.Build(context.Background(), "rk-det", draftIntent(), testProfile(), events, nil, nil)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}

	shuffled := make([]domain.ReplayEvent, len(events))
	copy(shuffled, events)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	b2 := newTestBuilder(t)
	second, err := b2.Build(context.Background(), "rk-det", draftIntent(), testProfile(), shuffled, nil, nil)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if first.RowsDigest != second.RowsDigest {
		t.Fatalf("rows digest differs: %s vs %s", first.RowsDigest, second.RowsDigest)
	}
	if diff := cmp.Diff(first.Rows, second.Rows); diff != "" {
		t.Fatalf("rows differ under shuffle (-first +second):\n%s", diff)
	}
	for i := 1; i < len(first.Rows); i++ {
		if first.Rows[i].Timestamp.Before(first.Rows[i-1].Timestamp) {
			t.Fatalf("rows out of timestamp order at %d", i)
		}
	}
}

func TestBuildCollapsesRedelivery(t *testing.T) {
	b := newTestBuilder(t)
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	e := event(100, "evt-1", ts, "h1")
	out, err := b.Build(context.Background(), "rk-re", draftIntent(), testProfile(),
		[]domain.ReplayEvent{e, e, e}, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(out.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(out.Rows))
	}
}

func TestBuildDuplicateOffsetConflict(t *testing.T) {
	b := newTestBuilder(t)
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	a := event(100, "evt-1", ts, "h1")
	conflicting := event(100, "evt-1", ts, "h2")

	_, err := b.Build(context.Background(), "rk-dup", draftIntent(), testProfile(),
		[]domain.ReplayEvent{a, conflicting}, nil, nil)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeReplayDuplicateOffset {
		t.Fatalf("build = %v, want REPLAY_DUPLICATE_OFFSET_MISMATCH", err)
	}
}

func TestBuildEventIDConflict(t *testing.T) {
	b := newTestBuilder(t)
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	a := event(100, "evt-1", ts, "h1")
	other := event(101, "evt-1", ts, "h2")

	_, err := b.Build(context.Background(), "rk-conflict", draftIntent(), testProfile(),
		[]domain.ReplayEvent{a, other}, nil, nil)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeReplayEventIDConflict {
		t.Fatalf("build = %v, want REPLAY_EVENT_ID_CONFLICT", err)
	}
}

func TestBuildEventIDTieBreak(t *testing.T) {
	b := newTestBuilder(t)
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	later := event(105, "evt-1", ts, "h1")
	earlier := event(101, "evt-1", ts, "h1")

	out, err := b.Build(context.Background(), "rk-tie", draftIntent(), testProfile(),
		[]domain.ReplayEvent{later, earlier}, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(out.Rows) != 1 || out.Rows[0].Offset != "101" {
		t.Fatalf("rows = %+v, want the lower offset to win", out.Rows)
	}
}

func TestBuildFeatureProjection(t *testing.T) {
	b := newTestBuilder(t)
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	out, err := b.Build(context.Background(), "rk-feat", draftIntent(), testProfile(),
		[]domain.ReplayEvent{event(100, "evt-1", ts, "h1")}, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	row := out.Rows[0]
	wantFeatures := map[string]float64{
		"amount":     150,
		"velocity":   3,
		"is_foreign": 1,
	}
	if diff := cmp.Diff(wantFeatures, row.Features); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}
	if row.NumericFeatures != 2 {
		t.Fatalf("numeric feature count = %d, want 2", row.NumericFeatures)
	}
	if row.RowID == "" {
		t.Fatal("row id is empty")
	}
}

func TestBuildParityHashForAnchorBoundIntents(t *testing.T) {
	b := newTestBuilder(t)
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	intent := draftIntent()
	intent.IntentKind = domain.IntentParityRebuild
	intent.ParityAnchorRef = "anchors/a1.json"

	out, err := b.Build(context.Background(), "rk-parity", intent, testProfile(),
		[]domain.ReplayEvent{event(100, "evt-1", ts, "h1")}, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if out.ParityHash == "" {
		t.Fatal("parity hash missing for anchor-bound intent")
	}

	plain, err := newTestBuilder(t).Build(context.Background(), "rk-plain", draftIntent(), testProfile(),
		[]domain.ReplayEvent{event(100, "evt-1", ts, "h1")}, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plain.ParityHash != "" {
		t.Fatal("parity hash set for a plain dataset build")
	}
}

func TestBuildDraftImmutability(t *testing.T) {
	b := newTestBuilder(t)
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	events := []domain.ReplayEvent{event(100, "evt-1", ts, "h1")}

	if _, err := b.Build(context.Background(), "rk-imm", draftIntent(), testProfile(), events, nil, nil); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if _, err := b.Build(context.Background(), "rk-imm", draftIntent(), testProfile(), events, nil, nil); err != nil {
		t.Fatalf("identical rebuild: %v", err)
	}

	changed := []domain.ReplayEvent{event(101, "evt-2", ts, "h2")}
	_, err := b.Build(context.Background(), "rk-imm", draftIntent(), testProfile(), changed, nil, nil)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeDraftImmutability {
		t.Fatalf("conflicting rebuild = %v, want DRAFT_IMMUTABILITY_VIOLATION", err)
	}
}
