// Package labelasof resolves per-subject label values as of a declared
// instant. The leakage rule is absolute: a selected assertion observed after
// the as-of instant fails the run, it is never silently dropped.
package labelasof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/identity"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

const receiptSchemaV1 = "datasmith.label_receipt.v1"

// Policy defaults applied when the intent does not override them.
const (
	DefaultMinCoverageRatio = 0.95
	DefaultMaxConflictRatio = 0.02
)

// Resolver runs Phase 5 against the label timeline collaborator.
type Resolver struct {
	store    objectstore.Store
	timeline Timeline
	now      func() time.Time
}

func NewResolver(store objectstore.Store, timeline Timeline) *Resolver {
	if store == nil || timeline == nil {
		return nil
	}
	return &Resolver{store: store, timeline: timeline, now: time.Now}
}

// ReceiptKey is the object store key the label receipt for a run lives at.
func ReceiptKey(runKey string) string {
	return "receipts/label/" + runKey + ".json"
}

// Resolve resolves labels for the given subjects as of the intent's label
// basis and persists the receipt append-only.
func (r *Resolver) Resolve(ctx context.Context, runKey string, intent domain.BuildIntent, subjects []domain.LabelSubject) (domain.LabelResolutionReceipt, error) {
	if r == nil || r.store == nil || r.timeline == nil {
		return domain.LabelResolutionReceipt{}, errors.New("label resolver not initialized")
	}
	canon := intent.Canonical()
	asOf := canon.LabelBasis.AsOfUTC

	targets, err := normalizeSubjects(canon.PlatformRunID, subjects)
	if err != nil {
		return domain.LabelResolutionReceipt{}, err
	}
	policy, err := ResolveCoveragePolicy(canon)
	if err != nil {
		return domain.LabelResolutionReceipt{}, err
	}

	rows, err := r.timeline.ResolveAsOf(ctx, ResolveAsOfRequest{
		Subjects:       targets,
		LabelTypes:     policy.LabelTypes,
		AsOfUTC:        asOf,
		ResolutionRule: canon.LabelBasis.ResolutionRule,
	})
	if err != nil {
		return domain.LabelResolutionReceipt{}, fmt.Errorf("resolve labels as of %s: %w", asOf.Format(time.RFC3339), err)
	}

	observed, err := r.verifyLeakage(ctx, asOf, rows)
	if err != nil {
		return domain.LabelResolutionReceipt{}, err
	}

	receipt := domain.LabelResolutionReceipt{
		Schema:         receiptSchemaV1,
		RunKey:         runKey,
		AsOfUTC:        asOf,
		SliceDigest:    sliceDigest(rows),
		ValueHistogram: valueHistogram(rows),
		Coverage:       coverageSignals(policy.LabelTypes, len(targets), rows),
		Maturity:       maturitySignals(canon.LabelBasis, rows, observed),
		ResolvedAt:     r.now().UTC(),
	}
	receipt.Gate = gateDecision(policy, receipt.Coverage)

	if err := r.persist(ctx, runKey, &receipt); err != nil {
		return domain.LabelResolutionReceipt{}, err
	}
	return receipt, nil
}

// EnforceTrainingGate converts a not-ready gate into a hard failure for
// training-intent builds.
func EnforceTrainingGate(intent domain.BuildIntent, receipt domain.LabelResolutionReceipt) error {
	if !intent.TrainingIntent() {
		return nil
	}
	if receipt.Gate.ReadyForTraining {
		return nil
	}
	return domain.Failf(domain.CodeCoveragePolicyViolation,
		"label coverage gate not ready for training: %s", strings.Join(receipt.Gate.Reasons, "; "))
}

// ResolveCoveragePolicy derives the effective coverage policy from the
// intent's filters and join scope, falling back to policy defaults. Label
// types outside the supported set are dropped.
func ResolveCoveragePolicy(intent domain.BuildIntent) (domain.CoveragePolicy, error) {
	policy := domain.CoveragePolicy{
		MinCoverageRatio: DefaultMinCoverageRatio,
		MaxConflictRatio: DefaultMaxConflictRatio,
	}
	requested := splitCSV(intent.Filters["label_types"])
	if len(requested) == 0 {
		requested = splitCSV(intent.JoinScope["label_types"])
	}
	if len(requested) == 0 {
		requested = domain.SupportedLabelTypes
	}
	supported := make(map[string]struct{}, len(domain.SupportedLabelTypes))
	for _, t := range domain.SupportedLabelTypes {
		supported[t] = struct{}{}
	}
	seen := make(map[string]struct{}, len(requested))
	for _, t := range requested {
		if _, ok := supported[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		policy.LabelTypes = append(policy.LabelTypes, t)
	}
	sort.Strings(policy.LabelTypes)

	var err error
	if policy.MinCoverageRatio, err = ratioOverride(intent.Filters, "min_coverage_ratio", policy.MinCoverageRatio); err != nil {
		return domain.CoveragePolicy{}, err
	}
	if policy.MaxConflictRatio, err = ratioOverride(intent.Filters, "max_conflict_ratio", policy.MaxConflictRatio); err != nil {
		return domain.CoveragePolicy{}, err
	}
	if err := policy.Validate(); err != nil {
		return domain.CoveragePolicy{}, fmt.Errorf("coverage policy: %w", err)
	}
	return policy, nil
}

// verifyLeakage independently re-derives every selected assertion's observed
// time from the timeline and asserts it does not exceed the as-of instant.
// Returns the observed times keyed by row index for maturity diagnostics.
func (r *Resolver) verifyLeakage(ctx context.Context, asOf time.Time, rows []ResolutionRow) (map[int]time.Time, error) {
	observed := make(map[int]time.Time)
	for idx, row := range rows {
		if row.Status != StatusResolved {
			continue
		}
		assertions, err := r.timeline.Assertions(ctx, row.Subject, row.LabelType)
		if err != nil {
			return nil, err
		}
		found := false
		for _, a := range assertions {
			if a.AssertionID != row.AssertionID {
				continue
			}
			found = true
			if a.ObservedTime.After(asOf) {
				return nil, domain.Failf(domain.CodeLeakagePolicyViolation,
					"assertion %s for %s/%s observed at %s, after as-of %s",
					row.AssertionID, row.Subject.EventID, row.LabelType,
					a.ObservedTime.UTC().Format(time.RFC3339), asOf.Format(time.RFC3339))
			}
			observed[idx] = a.ObservedTime
			break
		}
		if !found {
			return nil, domain.Failf(domain.CodeLeakagePolicyViolation,
				"assertion %s for %s/%s is not on the timeline",
				row.AssertionID, row.Subject.EventID, row.LabelType)
		}
	}
	return observed, nil
}

func (r *Resolver) persist(ctx context.Context, runKey string, receipt *domain.LabelResolutionReceipt) error {
	key := ReceiptKey(runKey)
	existing, err := r.store.Get(ctx, key)
	if err == nil {
		var prior domain.LabelResolutionReceipt
		if unmarshalErr := json.Unmarshal(existing, &prior); unmarshalErr != nil {
			return fmt.Errorf("decode existing label receipt: %w", unmarshalErr)
		}
		receipt.ResolvedAt = prior.ResolvedAt
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	blob, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal label receipt: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, r.store, key, blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeReceiptImmutability,
				"label receipt for run %s differs from recorded receipt", runKey)
		}
		return err
	}
	return nil
}

func normalizeSubjects(platformRunID string, subjects []domain.LabelSubject) ([]domain.LabelSubject, error) {
	seen := make(map[string]struct{}, len(subjects))
	out := make([]domain.LabelSubject, 0, len(subjects))
	for _, s := range subjects {
		s.PlatformRunID = strings.TrimSpace(s.PlatformRunID)
		s.EventID = strings.TrimSpace(s.EventID)
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("label subject: %w", err)
		}
		if s.PlatformRunID != platformRunID {
			return nil, domain.Failf(domain.CodeRunScopeInvalid,
				"subject %s belongs to run %s, intent targets %s", s.EventID, s.PlatformRunID, platformRunID)
		}
		if _, dup := seen[s.EventID]; dup {
			continue
		}
		seen[s.EventID] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].EventID < out[b].EventID })
	return out, nil
}

func coverageSignals(labelTypes []string, required int, rows []ResolutionRow) []domain.LabelCoverageSignal {
	resolved := make(map[string]int)
	conflicted := make(map[string]int)
	for _, row := range rows {
		switch row.Status {
		case StatusResolved:
			resolved[row.LabelType]++
		case StatusConflicted:
			conflicted[row.LabelType]++
		}
	}
	out := make([]domain.LabelCoverageSignal, 0, len(labelTypes))
	for _, labelType := range labelTypes {
		sig := domain.LabelCoverageSignal{
			LabelType:  labelType,
			Required:   required,
			Resolved:   resolved[labelType],
			Conflicted: conflicted[labelType],
		}
		if required > 0 {
			sig.CoverageRatio = float64(sig.Resolved) / float64(required)
			sig.ConflictRatio = float64(sig.Conflicted) / float64(required)
		}
		out = append(out, sig)
	}
	return out
}

func maturitySignals(basis domain.LabelBasis, rows []ResolutionRow, observed map[int]time.Time) []domain.LabelMaturitySignal {
	if basis.MaturityDays <= 0 {
		return nil
	}
	threshold := basis.AsOfUTC.Add(-time.Duration(basis.MaturityDays) * 24 * time.Hour)
	mature := make(map[string]int)
	immature := make(map[string]int)
	order := make([]string, 0)
	seen := make(map[string]struct{})
	for idx, row := range rows {
		if row.Status != StatusResolved {
			continue
		}
		if _, ok := seen[row.LabelType]; !ok {
			seen[row.LabelType] = struct{}{}
			order = append(order, row.LabelType)
		}
		if at, ok := observed[idx]; ok && !at.After(threshold) {
			mature[row.LabelType]++
		} else {
			immature[row.LabelType]++
		}
	}
	sort.Strings(order)
	out := make([]domain.LabelMaturitySignal, 0, len(order))
	for _, labelType := range order {
		sig := domain.LabelMaturitySignal{
			LabelType:     labelType,
			MatureCount:   mature[labelType],
			ImmatureCount: immature[labelType],
		}
		if total := sig.MatureCount + sig.ImmatureCount; total > 0 {
			sig.MatureRatio = float64(sig.MatureCount) / float64(total)
		}
		out = append(out, sig)
	}
	return out
}

func gateDecision(policy domain.CoveragePolicy, coverage []domain.LabelCoverageSignal) domain.LabelGateDecision {
	decision := domain.LabelGateDecision{ReadyForTraining: true}
	for _, sig := range coverage {
		if sig.CoverageRatio < policy.MinCoverageRatio {
			decision.ReadyForTraining = false
			decision.Reasons = append(decision.Reasons, fmt.Sprintf(
				"%s coverage %.4f below minimum %.4f", sig.LabelType, sig.CoverageRatio, policy.MinCoverageRatio))
		}
		if sig.ConflictRatio > policy.MaxConflictRatio {
			decision.ReadyForTraining = false
			decision.Reasons = append(decision.Reasons, fmt.Sprintf(
				"%s conflicts %.4f above maximum %.4f", sig.LabelType, sig.ConflictRatio, policy.MaxConflictRatio))
		}
	}
	return decision
}

func valueHistogram(rows []ResolutionRow) map[string]int {
	hist := make(map[string]int)
	for _, row := range rows {
		if row.Status == StatusResolved {
			hist[row.LabelType+"="+row.Value]++
		}
	}
	return hist
}

func sliceDigest(rows []ResolutionRow) string {
	sorted := make([]ResolutionRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].Subject.EventID != sorted[b].Subject.EventID {
			return sorted[a].Subject.EventID < sorted[b].Subject.EventID
		}
		return sorted[a].LabelType < sorted[b].LabelType
	})
	blob, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	return identity.SHA256Bytes(blob)
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func ratioOverride(filters map[string]string, key string, fallback float64) (float64, error) {
	raw, ok := filters[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("filter %s: %q is not a ratio", key, raw)
	}
	return value, nil
}
