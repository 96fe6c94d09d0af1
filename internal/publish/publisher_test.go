package publish

import (
	"context"
	"testing"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	p := NewPublisher(store)
	p.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return p
}

func publishIntent() domain.BuildIntent {
	return domain.BuildIntent{
		RequestID:     "req-pub-1",
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

func publishRequest(runKey string) Request {
	ready := true
	return Request{
		RunKey: runKey,
		Intent: publishIntent(),
		Draft: domain.DatasetDraft{
			Schema:     "datasmith.dataset_draft.v1",
			RunKey:     runKey,
			RowsDigest: "digest-1",
			Rows: []domain.DatasetRow{{
				RowID: "row-1", PlatformRunID: "run-1", EventID: "evt-1",
			}},
		},
		Replay: domain.ReplayCompletenessReceipt{Status: domain.ReplayComplete},
		Label: &domain.LabelResolutionReceipt{
			Gate: domain.LabelGateDecision{ReadyForTraining: ready},
		},
	}
}

func TestPublishThenAlreadyPublished(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	first, err := p.Publish(ctx, publishRequest("rk-pub"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if first.Mode != domain.PublishedNew {
		t.Fatalf("mode = %s, want PUBLISHED", first.Mode)
	}
	if first.DatasetManifestID == "" || first.ManifestRef == "" {
		t.Fatalf("receipt incomplete: %+v", first)
	}

	second, err := p.Publish(ctx, publishRequest("rk-pub"))
	if err != nil {
		t.Fatalf("re-publish: %v", err)
	}
	if second.Mode != domain.AlreadyPublished {
		t.Fatalf("mode = %s, want ALREADY_PUBLISHED", second.Mode)
	}
	if second.DatasetManifestID != first.DatasetManifestID {
		t.Fatalf("manifest id changed: %s vs %s", second.DatasetManifestID, first.DatasetManifestID)
	}
}

func TestPublishManifestImmutability(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	if _, err := p.Publish(ctx, publishRequest("rk-imm")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Same dataset identity, different draft payload: the manifest id
	// collides and the materialization differs.
	changed := publishRequest("rk-imm-2")
	changed.Draft.RowsDigest = "digest-2"
	_, err := p.Publish(ctx, changed)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeManifestImmutability {
		t.Fatalf("publish = %v, want MANIFEST_IMMUTABILITY_VIOLATION", err)
	}
}

func TestPublishPreconditions(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	incomplete := publishRequest("rk-pre")
	incomplete.Replay.Status = domain.ReplayIncomplete
	_, err := p.Publish(ctx, incomplete)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeReplayBasisIncomplete {
		t.Fatalf("publish = %v, want REPLAY_BASIS_INCOMPLETE", err)
	}

	noLabel := publishRequest("rk-pre")
	noLabel.Label = nil
	_, err = p.Publish(ctx, noLabel)
	failure = domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeCoveragePolicyViolation {
		t.Fatalf("publish = %v, want COVERAGE_POLICY_VIOLATION", err)
	}

	notReady := publishRequest("rk-pre")
	notReady.Label.Gate = domain.LabelGateDecision{ReadyForTraining: false, Reasons: []string{"low coverage"}}
	_, err = p.Publish(ctx, notReady)
	failure = domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeCoveragePolicyViolation {
		t.Fatalf("publish = %v, want COVERAGE_POLICY_VIOLATION", err)
	}

	nonTraining := publishRequest("rk-pre-nt")
	nonTraining.Intent.NonTrainingAllowed = true
	nonTraining.Label = nil
	if _, err := p.Publish(ctx, nonTraining); err != nil {
		t.Fatalf("non-training publish without label receipt = %v, want success", err)
	}
}

func TestPublishSupersession(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	missingReason := publishRequest("rk-sup")
	missingReason.SupersededManifests = []string{"dsm-old"}
	_, err := p.Publish(ctx, missingReason)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeSupersessionLinkInvalid {
		t.Fatalf("publish = %v, want SUPERSESSION_LINK_INVALID", err)
	}

	withReason := publishRequest("rk-sup")
	withReason.SupersededManifests = []string{"dsm-old"}
	withReason.BackfillReason = "late chargeback backfill"
	receipt, err := p.Publish(ctx, withReason)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if receipt.SupersessionRef == "" {
		t.Fatal("supersession ref missing")
	}
}

func TestPublishReceiptImmutability(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	if _, err := p.Publish(ctx, publishRequest("rk-rec")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A different dataset identity under the same run key is a receipt
	// violation: the recorded receipt names another manifest.
	changed := publishRequest("rk-rec")
	changed.Intent.CodeReleaseID = "rel-2"
	_, err := p.Publish(ctx, changed)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodePublicationReceiptViolation {
		t.Fatalf("publish = %v, want PUBLICATION_RECEIPT_IMMUTABILITY_VIOLATION", err)
	}
}
