// Package buildplan resolves a build intent into a trusted, immutable plan:
// which upstream outputs may be read, which feature profile applies, and
// which parity anchor a rebuild is compared against. The central rule is
// no-pass-no-read: a locator without proof of a passing receipt is never
// trusted.
package buildplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/identity"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
	"gopkg.in/yaml.v3"
)

const planSchemaV1 = "datasmith.build_plan.v1"

const statusPass = "PASS"

// Resolver loads provenance documents from the object store and emits the
// resolved plan.
type Resolver struct {
	store        objectstore.Store
	authorityKey string
	now          func() time.Time
}

func NewResolver(store objectstore.Store, authorityKey string) *Resolver {
	if store == nil {
		return nil
	}
	return &Resolver{store: store, authorityKey: strings.TrimSpace(authorityKey), now: time.Now}
}

// Resolve runs Phase 3 for one intent and persists the plan append-only under
// the run key. A re-resolve must produce byte-identical output.
func (r *Resolver) Resolve(ctx context.Context, runKey string, intent domain.BuildIntent) (ResolvedBuildPlan, error) {
	if r == nil || r.store == nil {
		return ResolvedBuildPlan{}, errors.New("build plan resolver not initialized")
	}
	canon := intent.Canonical()

	facts, err := r.loadRunFacts(ctx, canon.RunFactsRef)
	if err != nil {
		return ResolvedBuildPlan{}, err
	}
	if err := validateRunScope(canon, facts); err != nil {
		return ResolvedBuildPlan{}, err
	}

	locators, err := trustedLocators(canon, facts)
	if err != nil {
		return ResolvedBuildPlan{}, err
	}

	profile, err := r.resolveFeatureProfile(ctx, canon.FeatureSet)
	if err != nil {
		return ResolvedBuildPlan{}, err
	}

	var anchor *ResolvedParityAnchor
	if canon.ParityAnchorRef != "" {
		anchor, err = r.loadParityAnchor(ctx, canon.ParityAnchorRef)
		if err != nil {
			return ResolvedBuildPlan{}, err
		}
	}

	plan := ResolvedBuildPlan{
		Schema:         planSchemaV1,
		RunKey:         runKey,
		PlatformRunID:  canon.PlatformRunID,
		ScenarioRunIDs: canon.ScenarioRunIDs,
		Pins:           facts.Pins,
		Locators:       locators,
		FeatureProfile: profile,
		ParityAnchor:   anchor,
		ResolvedAt:     r.now().UTC(),
	}
	if err := r.persist(ctx, runKey, &plan); err != nil {
		return ResolvedBuildPlan{}, err
	}
	return plan, nil
}

// PlanKey is the object store key the plan for a run key lives at.
func PlanKey(runKey string) string {
	return "plans/" + runKey + ".json"
}

func (r *Resolver) persist(ctx context.Context, runKey string, plan *ResolvedBuildPlan) error {
	key := PlanKey(runKey)
	existing, err := r.store.Get(ctx, key)
	if err == nil {
		// Re-resolution must agree with the recorded plan except for the
		// resolution timestamp, which is pinned to the first write.
		var prior ResolvedBuildPlan
		if unmarshalErr := json.Unmarshal(existing, &prior); unmarshalErr != nil {
			return fmt.Errorf("decode existing plan: %w", unmarshalErr)
		}
		plan.ResolvedAt = prior.ResolvedAt
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	blob, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, r.store, key, blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeBuildPlanImmutability,
				"build plan for run %s differs from recorded plan", runKey)
		}
		return err
	}
	return nil
}

func (r *Resolver) loadRunFacts(ctx context.Context, ref string) (RunFacts, error) {
	blob, err := r.store.Get(ctx, ref)
	if err != nil {
		return RunFacts{}, fmt.Errorf("load run facts %s: %w", ref, err)
	}
	var facts RunFacts
	if err := json.Unmarshal(blob, &facts); err != nil {
		return RunFacts{}, fmt.Errorf("decode run facts %s: %w", ref, err)
	}
	return facts, nil
}

func validateRunScope(intent domain.BuildIntent, facts RunFacts) error {
	if strings.TrimSpace(facts.PlatformRunID) != intent.PlatformRunID {
		return domain.Failf(domain.CodeRunScopeInvalid,
			"intent platform run %s does not match run facts %s", intent.PlatformRunID, facts.PlatformRunID)
	}
	factsScenario := strings.TrimSpace(facts.ScenarioRunID)
	if factsScenario == "" || len(intent.ScenarioRunIDs) == 0 {
		return nil
	}
	for _, id := range intent.ScenarioRunIDs {
		if id == factsScenario {
			return nil
		}
	}
	return domain.Failf(domain.CodeRunScopeInvalid,
		"run facts scenario %s is not in the intent scenario set", factsScenario)
}

// trustedLocators applies the no-pass-no-read rule to each required output.
// The required set is the intent's world_outputs filter when present,
// otherwise every locator in the run facts.
func trustedLocators(intent domain.BuildIntent, facts RunFacts) ([]TrustedLocator, error) {
	byOutput := make(map[string]OutputLocator, len(facts.Locators))
	for _, loc := range facts.Locators {
		byOutput[strings.TrimSpace(loc.OutputID)] = loc
	}

	required := requiredOutputIDs(intent, facts)
	instanceByOutput := make(map[string]InstanceReceipt)
	for _, receipt := range facts.InstanceReceipts {
		instanceByOutput[strings.TrimSpace(receipt.OutputID)] = receipt
	}
	passedGates := make(map[string]struct{})
	for _, gate := range facts.GateReceipts {
		if strings.EqualFold(strings.TrimSpace(gate.Status), statusPass) {
			passedGates[strings.TrimSpace(gate.Scope.ManifestFingerprint)] = struct{}{}
		}
	}

	out := make([]TrustedLocator, 0, len(required))
	for _, outputID := range required {
		loc, ok := byOutput[outputID]
		if !ok {
			return nil, domain.Failf(domain.CodeNoPassNoRead, "output %s has no locator", outputID)
		}
		receipt, hasInstance := instanceByOutput[outputID]
		if hasInstance {
			if !strings.EqualFold(strings.TrimSpace(receipt.Status), statusPass) {
				return nil, domain.Failf(domain.CodeNoPassNoRead,
					"output %s instance receipt status is %s", outputID, receipt.Status)
			}
			if receipt.TargetRef != nil && strings.TrimSpace(receipt.TargetRef.Path) != strings.TrimSpace(loc.Path) {
				return nil, domain.Failf(domain.CodeNoPassNoRead,
					"output %s instance receipt targets %s, locator points at %s",
					outputID, receipt.TargetRef.Path, loc.Path)
			}
			out = append(out, TrustedLocator{
				OutputID:            outputID,
				Path:                strings.TrimSpace(loc.Path),
				ManifestFingerprint: strings.TrimSpace(loc.ManifestFingerprint),
				TrustBasis:          TrustInstanceReceipt,
			})
			continue
		}
		if _, gated := passedGates[strings.TrimSpace(loc.ManifestFingerprint)]; gated {
			out = append(out, TrustedLocator{
				OutputID:            outputID,
				Path:                strings.TrimSpace(loc.Path),
				ManifestFingerprint: strings.TrimSpace(loc.ManifestFingerprint),
				TrustBasis:          TrustGateReceipt,
			})
			continue
		}
		return nil, domain.Failf(domain.CodeNoPassNoRead,
			"output %s has neither a passing instance receipt nor a passing gate", outputID)
	}
	return out, nil
}

func requiredOutputIDs(intent domain.BuildIntent, facts RunFacts) []string {
	if raw, ok := intent.Filters["world_outputs"]; ok && strings.TrimSpace(raw) != "" {
		parts := strings.Split(raw, ",")
		ids := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				ids = append(ids, part)
			}
		}
		sort.Strings(ids)
		return ids
	}
	ids := make([]string, 0, len(facts.Locators))
	for _, loc := range facts.Locators {
		id := strings.TrimSpace(loc.OutputID)
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Resolver) resolveFeatureProfile(ctx context.Context, set domain.FeatureDefinitionSet) (ResolvedFeatureProfile, error) {
	if r.authorityKey == "" {
		return ResolvedFeatureProfile{}, errors.New("feature authority key is not configured")
	}
	blob, err := r.store.Get(ctx, r.authorityKey)
	if err != nil {
		return ResolvedFeatureProfile{}, fmt.Errorf("load feature authority %s: %w", r.authorityKey, err)
	}
	var authority FeatureAuthority
	if err := yaml.Unmarshal(blob, &authority); err != nil {
		return ResolvedFeatureProfile{}, fmt.Errorf("decode feature authority %s: %w", r.authorityKey, err)
	}
	for _, group := range authority.FeatureGroups {
		if strings.TrimSpace(group.Name) == set.ID && strings.TrimSpace(group.Version) == set.Version {
			return ResolvedFeatureProfile{
				PolicyID:     strings.TrimSpace(authority.PolicyID),
				Revision:     strings.TrimSpace(authority.Revision),
				GroupName:    set.ID,
				GroupVersion: set.Version,
				Fields:       group.Fields,
			}, nil
		}
	}
	return ResolvedFeatureProfile{}, domain.Failf(domain.CodeFeatureProfileUnresolved,
		"feature set %s@%s is not declared by authority %s", set.ID, set.Version, authority.PolicyID)
}

func (r *Resolver) loadParityAnchor(ctx context.Context, ref string) (*ResolvedParityAnchor, error) {
	blob, err := r.store.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load parity anchor %s: %w", ref, err)
	}
	var anchor ParityAnchor
	if err := json.Unmarshal(blob, &anchor); err != nil {
		return nil, fmt.Errorf("decode parity anchor %s: %w", ref, err)
	}
	digest := identity.SHA256Bytes(blob)
	return &ResolvedParityAnchor{Ref: ref, Digest: digest, Anchor: anchor}, nil
}
