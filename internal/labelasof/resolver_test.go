package labelasof

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

var asOf = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) objectstore.Store {
	t.Helper()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	return store
}

func writeTimeline(t *testing.T, store objectstore.Store, subject domain.LabelSubject, labelType string, assertions []Assertion) {
	t.Helper()
	blob, err := json.Marshal(assertions)
	if err != nil {
		t.Fatalf("marshal timeline: %v", err)
	}
	if err := store.Put(context.Background(), TimelineKey(subject, labelType), blob, "application/json"); err != nil {
		t.Fatalf("write timeline: %v", err)
	}
}

func labelIntent(filters map[string]string) domain.BuildIntent {
	return domain.BuildIntent{
		RequestID:     "req-label-1",
		IntentKind:    domain.IntentDatasetBuild,
		PlatformRunID: "run-1",
		ReplayBasis: []domain.ReplayBasisSlice{{
			Topic: "tx", Partition: "0", OffsetKind: "kafka", StartOffset: "0", EndOffset: "9",
		}},
		LabelBasis: domain.LabelBasis{
			AsOfUTC:        asOf,
			ResolutionRule: "latest_observed",
			MaturityDays:   7,
		},
		FeatureSet:    domain.FeatureDefinitionSet{ID: "fraud_core", Version: "3"},
		Filters:       filters,
		RunFactsRef:   "facts/run-1.json",
		CodeReleaseID: "rel-1",
	}
}

func TestStoreTimelineResolveAsOf(t *testing.T) {
	store := newTestStore(t)
	subject := domain.LabelSubject{PlatformRunID: "run-1", EventID: "evt-1"}
	writeTimeline(t, store, subject, "fraud_disposition", []Assertion{
		{AssertionID: "a1", Value: "legit", ObservedTime: asOf.Add(-48 * time.Hour)},
		{AssertionID: "a2", Value: "fraud", ObservedTime: asOf.Add(-24 * time.Hour)},
		{AssertionID: "a3", Value: "legit", ObservedTime: asOf.Add(time.Hour)},
	})

	timeline := NewStoreTimeline(store)
	rows, err := timeline.ResolveAsOf(context.Background(), ResolveAsOfRequest{
		Subjects:   []domain.LabelSubject{subject},
		LabelTypes: []string{"fraud_disposition"},
		AsOfUTC:    asOf,
	})
	if err != nil {
		t.Fatalf("resolve as of: %v", err)
	}
	want := []ResolutionRow{{
		Subject:     subject,
		LabelType:   "fraud_disposition",
		Status:      StatusResolved,
		AssertionID: "a2",
		Value:       "fraud",
	}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("resolution mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreTimelineConflictAtSameInstant(t *testing.T) {
	store := newTestStore(t)
	subject := domain.LabelSubject{PlatformRunID: "run-1", EventID: "evt-1"}
	at := asOf.Add(-time.Hour)
	writeTimeline(t, store, subject, "chargeback", []Assertion{
		{AssertionID: "a1", Value: "yes", ObservedTime: at},
		{AssertionID: "a2", Value: "no", ObservedTime: at},
	})

	timeline := NewStoreTimeline(store)
	rows, err := timeline.ResolveAsOf(context.Background(), ResolveAsOfRequest{
		Subjects:   []domain.LabelSubject{subject},
		LabelTypes: []string{"chargeback"},
		AsOfUTC:    asOf,
	})
	if err != nil {
		t.Fatalf("resolve as of: %v", err)
	}
	if rows[0].Status != StatusConflicted {
		t.Fatalf("status = %s, want CONFLICTED", rows[0].Status)
	}
}

// leakyTimeline simulates a buggy collaborator that selects an assertion
// observed after the as-of instant.
type leakyTimeline struct {
	subject   domain.LabelSubject
	labelType string
	observed  time.Time
}

func (f *leakyTimeline) Assertions(ctx context.Context, subject domain.LabelSubject, labelType string) ([]Assertion, error) {
	return []Assertion{{AssertionID: "late-1", Value: "fraud", ObservedTime: f.observed}}, nil
}

func (f *leakyTimeline) ResolveAsOf(ctx context.Context, req ResolveAsOfRequest) ([]ResolutionRow, error) {
	return []ResolutionRow{{
		Subject:     f.subject,
		LabelType:   f.labelType,
		Status:      StatusResolved,
		AssertionID: "late-1",
		Value:       "fraud",
	}}, nil
}

func TestLeakageGuardOneSecondAfterAsOf(t *testing.T) {
	store := newTestStore(t)
	subject := domain.LabelSubject{PlatformRunID: "run-1", EventID: "evt-1"}
	timeline := &leakyTimeline{subject: subject, labelType: "fraud_disposition", observed: asOf.Add(time.Second)}
	r := NewResolver(store, timeline)

	_, err := r.Resolve(context.Background(), "rk-leak", labelIntent(nil), []domain.LabelSubject{subject})
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeLeakagePolicyViolation {
		t.Fatalf("resolve = %v, want LEAKAGE_POLICY_VIOLATION", err)
	}
}

func TestResolveCoverageGate(t *testing.T) {
	store := newTestStore(t)
	resolvedSubject := domain.LabelSubject{PlatformRunID: "run-1", EventID: "evt-1"}
	bareSubject := domain.LabelSubject{PlatformRunID: "run-1", EventID: "evt-2"}
	writeTimeline(t, store, resolvedSubject, "fraud_disposition", []Assertion{
		{AssertionID: "a1", Value: "fraud", ObservedTime: asOf.Add(-30 * 24 * time.Hour)},
	})

	r := NewResolver(store, NewStoreTimeline(store))
	intent := labelIntent(map[string]string{
		"label_types":        "fraud_disposition",
		"min_coverage_ratio": "1.0",
	})

	receipt, err := r.Resolve(context.Background(), "rk-cov", intent,
		[]domain.LabelSubject{resolvedSubject, bareSubject})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if receipt.Gate.ReadyForTraining {
		t.Fatalf("gate ready with coverage %0.2f, want not ready", receipt.Coverage[0].CoverageRatio)
	}
	if receipt.Coverage[0].Resolved != 1 || receipt.Coverage[0].Required != 2 {
		t.Fatalf("coverage = %+v", receipt.Coverage[0])
	}
	if receipt.ValueHistogram["fraud_disposition=fraud"] != 1 {
		t.Fatalf("histogram = %+v", receipt.ValueHistogram)
	}
	if len(receipt.Maturity) != 1 || receipt.Maturity[0].MatureCount != 1 {
		t.Fatalf("maturity = %+v", receipt.Maturity)
	}

	err = EnforceTrainingGate(intent, receipt)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeCoveragePolicyViolation {
		t.Fatalf("training gate = %v, want COVERAGE_POLICY_VIOLATION", err)
	}

	nonTraining := intent
	nonTraining.NonTrainingAllowed = true
	if err := EnforceTrainingGate(nonTraining, receipt); err != nil {
		t.Fatalf("non-training gate = %v, want nil", err)
	}
}

func TestResolveCoveragePolicyDefaults(t *testing.T) {
	policy, err := ResolveCoveragePolicy(labelIntent(nil))
	if err != nil {
		t.Fatalf("resolve policy: %v", err)
	}
	want := []string{"chargeback", "fraud_disposition", "manual_review"}
	if diff := cmp.Diff(want, policy.LabelTypes); diff != "" {
		t.Fatalf("label types mismatch (-want +got):\n%s", diff)
	}
	if policy.MinCoverageRatio != DefaultMinCoverageRatio || policy.MaxConflictRatio != DefaultMaxConflictRatio {
		t.Fatalf("policy = %+v", policy)
	}
}

func TestResolveCoveragePolicyDropsUnsupportedTypes(t *testing.T) {
	policy, err := ResolveCoveragePolicy(labelIntent(map[string]string{
		"label_types": "chargeback, astrology, fraud_disposition",
	}))
	if err != nil {
		t.Fatalf("resolve policy: %v", err)
	}
	want := []string{"chargeback", "fraud_disposition"}
	if diff := cmp.Diff(want, policy.LabelTypes); diff != "" {
		t.Fatalf("label types mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveRejectsForeignSubjects(t *testing.T) {
	store := newTestStore(t)
	r := NewResolver(store, NewStoreTimeline(store))
	foreign := domain.LabelSubject{PlatformRunID: "run-other", EventID: "evt-1"}

	_, err := r.Resolve(context.Background(), "rk-scope", labelIntent(nil), []domain.LabelSubject{foreign})
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeRunScopeInvalid {
		t.Fatalf("resolve = %v, want RUN_SCOPE_INVALID", err)
	}
}
