package domain

import (
	"errors"
	"strings"
	"time"
)

// ReplayEvent is one raw event recovered from EB or the archive, before
// deduplication and ordering.
type ReplayEvent struct {
	Topic       string         `json:"topic"`
	Partition   string         `json:"partition"`
	OffsetKind  string         `json:"offset_kind"`
	Offset      string         `json:"offset"`
	EventID     string         `json:"event_id"`
	Timestamp   time.Time      `json:"timestamp"`
	PayloadHash string         `json:"payload_hash"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (e ReplayEvent) Validate() error {
	if strings.TrimSpace(e.Topic) == "" {
		return errors.New("topic is required")
	}
	if strings.TrimSpace(e.Partition) == "" {
		return errors.New("partition is required")
	}
	if strings.TrimSpace(e.OffsetKind) == "" {
		return errors.New("offset kind is required")
	}
	if _, err := parseOffset(e.Offset); err != nil {
		return err
	}
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("event id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if strings.TrimSpace(e.PayloadHash) == "" {
		return errors.New("payload hash is required")
	}
	return nil
}

func (e ReplayEvent) OffsetInt() (int64, error) {
	return parseOffset(e.Offset)
}

// DatasetRow is one deterministic, deduplicated training row.
type DatasetRow struct {
	RowID           string             `json:"row_id"`
	PlatformRunID   string             `json:"platform_run_id"`
	EventID         string             `json:"event_id"`
	Timestamp       time.Time          `json:"timestamp"`
	Topic           string             `json:"topic"`
	Partition       string             `json:"partition"`
	OffsetKind      string             `json:"offset_kind"`
	Offset          string             `json:"offset"`
	PayloadHash     string             `json:"payload_hash"`
	Features        map[string]float64 `json:"features"`
	NumericFeatures int                `json:"numeric_feature_count"`
}

// DatasetDraft is the immutable Phase 6 output: ordered, deduplicated rows.
type DatasetDraft struct {
	Schema          string       `json:"schema"`
	RunKey          string       `json:"run_key"`
	PlatformRunID   string       `json:"platform_run_id"`
	ProfileRevision string       `json:"feature_profile_revision"`
	Rows            []DatasetRow `json:"rows"`
	RowsDigest      string       `json:"rows_digest"`
	ParityHash      string       `json:"parity_hash,omitempty"`
	ReplayStatus    ReplayStatus `json:"replay_status,omitempty"`
	LabelGateReady  *bool        `json:"label_gate_ready,omitempty"`
	BuiltAt         time.Time    `json:"built_at"`
}
