package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ObservationSource tags which evidentiary source reported an offset.
type ObservationSource string

const (
	SourceEB      ObservationSource = "EB"
	SourceArchive ObservationSource = "ARCHIVE"
)

// ReplayObservation is one piece of offset evidence from EB or the archive.
type ReplayObservation struct {
	Topic       string            `json:"topic"`
	Partition   string            `json:"partition"`
	OffsetKind  string            `json:"offset_kind"`
	Offset      string            `json:"offset"`
	Source      ObservationSource `json:"source"`
	PayloadHash string            `json:"payload_hash"`
}

func (o ReplayObservation) Validate() error {
	if strings.TrimSpace(o.Topic) == "" {
		return errors.New("topic is required")
	}
	if strings.TrimSpace(o.Partition) == "" {
		return errors.New("partition is required")
	}
	if strings.TrimSpace(o.OffsetKind) == "" {
		return errors.New("offset kind is required")
	}
	if _, err := parseOffset(o.Offset); err != nil {
		return err
	}
	switch o.Source {
	case SourceEB, SourceArchive:
	default:
		return fmt.Errorf("unknown observation source %q", o.Source)
	}
	if strings.TrimSpace(o.PayloadHash) == "" {
		return errors.New("payload hash is required")
	}
	return nil
}

func (o ReplayObservation) OffsetInt() (int64, error) {
	return parseOffset(o.Offset)
}

// CutoverMode describes how a slice's coverage was assembled.
type CutoverMode string

const (
	CutoverEBOnly        CutoverMode = "EB_ONLY"
	CutoverEBThenArchive CutoverMode = "EB_THEN_ARCHIVE"
	CutoverArchiveOnly   CutoverMode = "ARCHIVE_ONLY"
)

// AnomalyKind classifies replay reconciliation anomalies.
type AnomalyKind string

const (
	AnomalyGap                    AnomalyKind = "gap"
	AnomalyPayloadHashMismatch    AnomalyKind = "payload_hash_mismatch"
	AnomalyDuplicateOffsetConflict AnomalyKind = "duplicate_offset_conflict"
)

// ReplayAnomaly records one reconciliation finding without failing the run.
type ReplayAnomaly struct {
	Kind        AnomalyKind `json:"kind"`
	Topic       string      `json:"topic"`
	Partition   string      `json:"partition"`
	OffsetKind  string      `json:"offset_kind"`
	StartOffset string      `json:"start_offset"`
	EndOffset   string      `json:"end_offset"`
	Detail      string      `json:"detail,omitempty"`
}

// SelectedRange is one merged, source-tagged interval of chosen coverage.
type SelectedRange struct {
	Source      ObservationSource `json:"source"`
	StartOffset string            `json:"start_offset"`
	EndOffset   string            `json:"end_offset"`
}

// SliceResolution is the per-slice outcome inside a completeness receipt.
type SliceResolution struct {
	Topic                          string          `json:"topic"`
	Partition                      string          `json:"partition"`
	OffsetKind                     string          `json:"offset_kind"`
	StartOffset                    string          `json:"start_offset"`
	EndOffset                      string          `json:"end_offset"`
	CutoverMode                    CutoverMode     `json:"cutover_mode"`
	CutoverOffset                  string          `json:"cutover_offset,omitempty"`
	ArchiveAuthoritativeFromOffset string          `json:"archive_authoritative_from_offset,omitempty"`
	SelectedRanges                 []SelectedRange `json:"selected_ranges"`
	MissingRanges                  []SelectedRange `json:"missing_ranges,omitempty"`
}

// ReplayStatus is the overall completeness verdict.
type ReplayStatus string

const (
	ReplayComplete   ReplayStatus = "COMPLETE"
	ReplayIncomplete ReplayStatus = "INCOMPLETE"
)

// ReplayTotals aggregates offset accounting across all slices.
type ReplayTotals struct {
	RequiredOffsets int64 `json:"required_offsets"`
	CoveredOffsets  int64 `json:"covered_offsets"`
	MissingOffsets  int64 `json:"missing_offsets"`
	MismatchCount   int64 `json:"mismatch_count"`
}

// ReplayCompletenessReceipt is the immutable Phase 4 output for one run.
type ReplayCompletenessReceipt struct {
	Schema     string            `json:"schema"`
	RunKey     string            `json:"run_key"`
	Status     ReplayStatus      `json:"status"`
	Slices     []SliceResolution `json:"slices"`
	Anomalies  []ReplayAnomaly   `json:"anomalies,omitempty"`
	Totals     ReplayTotals      `json:"totals"`
	ResolvedAt time.Time         `json:"resolved_at"`
}
