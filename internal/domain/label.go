package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SupportedLabelTypes is the fixed set of label types this pipeline resolves.
var SupportedLabelTypes = []string{"fraud_disposition", "chargeback", "manual_review"}

// LabelSubject identifies one target of label resolution.
type LabelSubject struct {
	PlatformRunID string `json:"platform_run_id"`
	EventID       string `json:"event_id"`
}

func (s LabelSubject) Validate() error {
	if strings.TrimSpace(s.PlatformRunID) == "" {
		return errors.New("platform run id is required")
	}
	if strings.TrimSpace(s.EventID) == "" {
		return errors.New("event id is required")
	}
	return nil
}

// CoveragePolicy gates whether resolved labels are complete enough for training.
type CoveragePolicy struct {
	LabelTypes       []string `json:"label_types"`
	MinCoverageRatio float64  `json:"min_coverage_ratio"`
	MaxConflictRatio float64  `json:"max_conflict_ratio"`
}

func (p CoveragePolicy) Validate() error {
	if len(p.LabelTypes) == 0 {
		return errors.New("at least one label type is required")
	}
	if p.MinCoverageRatio < 0 || p.MinCoverageRatio > 1 {
		return fmt.Errorf("min coverage ratio %v out of [0,1]", p.MinCoverageRatio)
	}
	if p.MaxConflictRatio < 0 || p.MaxConflictRatio > 1 {
		return fmt.Errorf("max conflict ratio %v out of [0,1]", p.MaxConflictRatio)
	}
	return nil
}

// LabelCoverageSignal reports resolution counts for one label type.
type LabelCoverageSignal struct {
	LabelType     string  `json:"label_type"`
	Required      int     `json:"required"`
	Resolved      int     `json:"resolved"`
	Conflicted    int     `json:"conflicted"`
	CoverageRatio float64 `json:"coverage_ratio"`
	ConflictRatio float64 `json:"conflict_ratio"`
}

// LabelMaturitySignal reports mature vs immature resolved counts per label type.
// Diagnostics only; never a gate.
type LabelMaturitySignal struct {
	LabelType     string  `json:"label_type"`
	MatureCount   int     `json:"mature_count"`
	ImmatureCount int     `json:"immature_count"`
	MatureRatio   float64 `json:"mature_ratio"`
}

// LabelGateDecision is the coverage gate verdict for training readiness.
type LabelGateDecision struct {
	ReadyForTraining bool     `json:"ready_for_training"`
	Reasons          []string `json:"reasons,omitempty"`
}

// LabelResolutionReceipt is the immutable Phase 5 output for one run.
type LabelResolutionReceipt struct {
	Schema         string                `json:"schema"`
	RunKey         string                `json:"run_key"`
	AsOfUTC        time.Time             `json:"label_asof_utc"`
	SliceDigest    string                `json:"resolved_slice_digest"`
	ValueHistogram map[string]int        `json:"selected_value_histogram"`
	Coverage       []LabelCoverageSignal `json:"coverage"`
	Maturity       []LabelMaturitySignal `json:"maturity,omitempty"`
	Gate           LabelGateDecision     `json:"gate"`
	ResolvedAt     time.Time             `json:"resolved_at"`
}
