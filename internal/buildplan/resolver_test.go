package buildplan

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

const authorityKey = "authority/feature_groups.yaml"

const authorityDoc = `policy_id: fraud-features
revision: r12
feature_groups:
  - name: fraud_core
    version: "3"
    fields: [amount, velocity, is_foreign]
  - name: fraud_extended
    version: "1"
`

func newTestResolver(t *testing.T) (*Resolver, objectstore.Store) {
	t.Helper()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()
	if err := store.Put(ctx, authorityKey, []byte(authorityDoc), "application/yaml"); err != nil {
		t.Fatalf("write authority: %v", err)
	}
	r := NewResolver(store, authorityKey)
	r.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return r, store
}

func writeRunFacts(t *testing.T, store objectstore.Store, ref string, facts RunFacts) {
	t.Helper()
	blob, err := json.Marshal(facts)
	if err != nil {
		t.Fatalf("marshal run facts: %v", err)
	}
	if err := store.Put(context.Background(), ref, blob, "application/json"); err != nil {
		t.Fatalf("write run facts: %v", err)
	}
}

func planIntent() domain.BuildIntent {
	return domain.BuildIntent{
		RequestID:     "req-plan-1",
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

func passingFacts() RunFacts {
	return RunFacts{
		PlatformRunID: "run-1",
		Pins:          map[string]string{"seed": "17"},
		Locators: []OutputLocator{{
			OutputID:            "world.transactions",
			Path:                "worlds/run-1/transactions.parquet",
			ManifestFingerprint: "mf-1",
		}},
		InstanceReceipts: []InstanceReceipt{{
			OutputID:  "world.transactions",
			Status:    "PASS",
			TargetRef: &TargetRef{Path: "worlds/run-1/transactions.parquet"},
		}},
	}
}

func TestResolveTrustsPassingInstanceReceipt(t *testing.T) {
	r, store := newTestResolver(t)
	writeRunFacts(t, store, "facts/run-1.json", passingFacts())

	plan, err := r.Resolve(context.Background(), "rk-plan", planIntent())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(plan.Locators) != 1 {
		t.Fatalf("locators = %+v", plan.Locators)
	}
	loc := plan.Locators[0]
	if loc.TrustBasis != TrustInstanceReceipt {
		t.Fatalf("trust basis = %s, want instance_receipt", loc.TrustBasis)
	}
	if plan.FeatureProfile.Revision != "r12" || plan.FeatureProfile.GroupName != "fraud_core" {
		t.Fatalf("feature profile = %+v", plan.FeatureProfile)
	}
}

func TestResolveTrustsGateReceiptWithoutInstanceReceipt(t *testing.T) {
	r, store := newTestResolver(t)
	facts := passingFacts()
	facts.InstanceReceipts = nil
	facts.GateReceipts = []GateReceipt{{Status: "PASS", Scope: GateScope{ManifestFingerprint: "mf-1"}}}
	writeRunFacts(t, store, "facts/run-1.json", facts)

	plan, err := r.Resolve(context.Background(), "rk-gate", planIntent())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if plan.Locators[0].TrustBasis != TrustGateReceipt {
		t.Fatalf("trust basis = %s, want gate_receipt", plan.Locators[0].TrustBasis)
	}
}

func TestResolveNoPassNoRead(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunFacts)
	}{
		{
			name: "failing instance receipt",
			mutate: func(f *RunFacts) {
				f.InstanceReceipts[0].Status = "FAIL"
			},
		},
		{
			name: "no receipt at all",
			mutate: func(f *RunFacts) {
				f.InstanceReceipts = nil
			},
		},
		{
			name: "receipt targets another path",
			mutate: func(f *RunFacts) {
				f.InstanceReceipts[0].TargetRef = &TargetRef{Path: "worlds/other/file.parquet"}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, store := newTestResolver(t)
			facts := passingFacts()
			tc.mutate(&facts)
			writeRunFacts(t, store, "facts/run-1.json", facts)

			_, err := r.Resolve(context.Background(), "rk-npnr", planIntent())
			failure := domain.FailureFrom(err)
			if failure == nil || failure.Code != domain.CodeNoPassNoRead {
				t.Fatalf("resolve = %v, want NO_PASS_NO_READ", err)
			}
		})
	}
}

func TestResolveRunScopeInvalid(t *testing.T) {
	r, store := newTestResolver(t)
	facts := passingFacts()
	facts.PlatformRunID = "run-other"
	writeRunFacts(t, store, "facts/run-1.json", facts)

	_, err := r.Resolve(context.Background(), "rk-scope", planIntent())
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeRunScopeInvalid {
		t.Fatalf("resolve = %v, want RUN_SCOPE_INVALID", err)
	}
}

func TestResolveFeatureProfileUnresolved(t *testing.T) {
	r, store := newTestResolver(t)
	writeRunFacts(t, store, "facts/run-1.json", passingFacts())
	intent := planIntent()
	intent.FeatureSet = domain.FeatureDefinitionSet{ID: "fraud_core", Version: "99"}

	_, err := r.Resolve(context.Background(), "rk-prof", intent)
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeFeatureProfileUnresolved {
		t.Fatalf("resolve = %v, want FEATURE_PROFILE_UNRESOLVED", err)
	}
}

func TestResolveWorldOutputsFilter(t *testing.T) {
	r, store := newTestResolver(t)
	facts := passingFacts()
	facts.Locators = append(facts.Locators, OutputLocator{
		OutputID:            "world.devices",
		Path:                "worlds/run-1/devices.parquet",
		ManifestFingerprint: "mf-2",
	})
	writeRunFacts(t, store, "facts/run-1.json", facts)

	intent := planIntent()
	intent.Filters = map[string]string{"world_outputs": "world.transactions"}
	plan, err := r.Resolve(context.Background(), "rk-filter", intent)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(plan.Locators) != 1 || plan.Locators[0].OutputID != "world.transactions" {
		t.Fatalf("locators = %+v, want only world.transactions", plan.Locators)
	}
}

func TestResolvePlanImmutability(t *testing.T) {
	r, store := newTestResolver(t)
	writeRunFacts(t, store, "facts/run-1.json", passingFacts())

	first, err := r.Resolve(context.Background(), "rk-imm", planIntent())
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	r.now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) }
	second, err := r.Resolve(context.Background(), "rk-imm", planIntent())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !second.ResolvedAt.Equal(first.ResolvedAt) {
		t.Fatal("re-resolution must pin the recorded timestamp")
	}

	facts := passingFacts()
	facts.Pins["seed"] = "18"
	writeRunFacts(t, store, "facts/run-1.json", facts)
	_, err = r.Resolve(context.Background(), "rk-imm", planIntent())
	failure := domain.FailureFrom(err)
	if failure == nil || failure.Code != domain.CodeBuildPlanImmutability {
		t.Fatalf("drifted resolve = %v, want BUILD_PLAN_IMMUTABILITY_VIOLATION", err)
	}
}
