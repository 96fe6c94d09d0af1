package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/ledger"
	"github.com/veritas-labs/datasmith-go/internal/ledger/sqlite"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return ledger.New(store)
}

func buildIntent(requestID string) domain.BuildIntent {
	return domain.BuildIntent{
		RequestID:     requestID,
		IntentKind:    domain.IntentDatasetBuild,
		PlatformRunID: "run-1",
		ReplayBasis: []domain.ReplayBasisSlice{{
			Topic:       "tx",
			Partition:   "0",
			OffsetKind:  "kafka",
			StartOffset: "100",
			EndOffset:   "110",
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

func TestSubmitIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	intent := buildIntent("req-1")

	first, created, err := l.Submit(ctx, intent)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if !created {
		t.Fatal("first submit should create the row")
	}
	if first.Status != domain.RunStatusQueued {
		t.Fatalf("status = %s, want QUEUED", first.Status)
	}

	second, created, err := l.Submit(ctx, intent)
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if created {
		t.Fatal("duplicate submit must not create a second row")
	}
	if second.RunKey != first.RunKey {
		t.Fatalf("run key changed: %s vs %s", second.RunKey, first.RunKey)
	}

	changed := intent
	changed.CodeReleaseID = "rel-2"
	_, _, err = l.Submit(ctx, changed)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeRequestIDPayloadMismatch {
		t.Fatalf("changed payload = %v, want REQUEST_ID_PAYLOAD_MISMATCH", err)
	}
}

func TestFullRunLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	entry, _, err := l.Submit(ctx, buildIntent("req-life"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runKey := entry.RunKey

	started, err := l.StartRun(ctx, runKey, domain.ModeFull)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.RunStatusRunning || started.FullRunAttempts != 1 {
		t.Fatalf("started = %+v", started)
	}

	// Re-entry into the same mode is a no-op.
	if _, err := l.StartRun(ctx, runKey, domain.ModeFull); err != nil {
		t.Fatalf("idempotent start: %v", err)
	}

	if err := l.MarkDone(ctx, runKey, "receipts/publication/"+runKey+".json"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := l.MarkDone(ctx, runKey, "receipts/publication/"+runKey+".json"); err != nil {
		t.Fatalf("idempotent mark done: %v", err)
	}

	got, err := l.Get(ctx, runKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RunStatusDone {
		t.Fatalf("status = %s, want DONE", got.Status)
	}

	_, err = l.StartRun(ctx, runKey, domain.ModeFull)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeLedgerTransitionInvalid {
		t.Fatalf("restart after done = %v, want LEDGER_TRANSITION_INVALID", err)
	}
}

func TestPublishRetryBound(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	const maxAttempts = 2

	entry, _, err := l.Submit(ctx, buildIntent("req-retry"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runKey := entry.RunKey
	if _, err := l.StartRun(ctx, runKey, domain.ModeFull); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.MarkPublishPending(ctx, runKey, "manifest differs"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		decision, err := l.RequestPublishRetry(ctx, runKey, maxAttempts)
		if err != nil {
			t.Fatalf("retry %d: %v", attempt, err)
		}
		if decision != ledger.RetryAllowed {
			t.Fatalf("retry %d decision = %s, want ALLOWED", attempt, decision)
		}
		if _, err := l.StartRun(ctx, runKey, domain.ModePublishOnly); err != nil {
			t.Fatalf("start publish-only %d: %v", attempt, err)
		}
		if err := l.MarkPublishPending(ctx, runKey, "manifest still differs"); err != nil {
			t.Fatalf("re-park %d: %v", attempt, err)
		}
	}

	decision, err := l.RequestPublishRetry(ctx, runKey, maxAttempts)
	if err != nil {
		t.Fatalf("exhausted retry: %v", err)
	}
	if decision != ledger.RetryExhausted {
		t.Fatalf("decision = %s, want EXHAUSTED", decision)
	}

	got, err := l.Get(ctx, runKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RunStatusPublishPending {
		t.Fatalf("status = %s, exhaustion must not move the run", got.Status)
	}
	if got.PublishRetryAttempts != maxAttempts {
		t.Fatalf("attempts = %d, want %d", got.PublishRetryAttempts, maxAttempts)
	}
}

func TestRequestPublishRetryNotPending(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	entry, _, err := l.Submit(ctx, buildIntent("req-np"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	decision, err := l.RequestPublishRetry(ctx, entry.RunKey, 3)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if decision != ledger.RetryNotPending {
		t.Fatalf("decision = %s, want NOT_PENDING", decision)
	}
}

func TestMarkFailedFromQueued(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	entry, _, err := l.Submit(ctx, buildIntent("req-fail"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := l.MarkFailed(ctx, entry.RunKey, domain.CodeRunScopeInvalid, "platform run drift"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := l.Get(ctx, entry.RunKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RunStatusFailed || got.LastErrorCode != string(domain.CodeRunScopeInvalid) {
		t.Fatalf("entry = %+v", got)
	}
}

func TestHistoryOrdering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	entry, _, err := l.Submit(ctx, buildIntent("req-hist"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runKey := entry.RunKey
	if _, err := l.StartRun(ctx, runKey, domain.ModeFull); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.MarkDone(ctx, runKey, "result"); err != nil {
		t.Fatalf("done: %v", err)
	}

	history, err := l.History(ctx, runKey)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantTypes := []string{domain.EventIntentQueued, domain.EventRunStarted, domain.EventRunDone}
	if len(history) != len(wantTypes) {
		t.Fatalf("history length = %d, want %d: %+v", len(history), len(wantTypes), history)
	}
	for i, event := range history {
		if event.EventType != wantTypes[i] {
			t.Fatalf("event %d type = %s, want %s", i, event.EventType, wantTypes[i])
		}
		if event.Seq != int64(i+1) {
			t.Fatalf("event %d seq = %d, want %d", i, event.Seq, i+1)
		}
	}
}
