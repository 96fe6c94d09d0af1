package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DatasetManifest is the permanent, content-addressed identity record of a
// published dataset.
type DatasetManifest struct {
	Schema             string               `json:"schema"`
	DatasetManifestID  string               `json:"dataset_manifest_id"`
	DatasetFingerprint string               `json:"dataset_fingerprint"`
	PlatformRunID      string               `json:"platform_run_id"`
	ScenarioRunIDs     []string             `json:"scenario_run_ids,omitempty"`
	ReplayBasis        []ReplayBasisSlice   `json:"replay_basis"`
	LabelBasis         LabelBasis           `json:"label_basis"`
	FeatureSet         FeatureDefinitionSet `json:"feature_definition_set"`
	RowsDigest         string               `json:"rows_digest"`
	RowCount           int                  `json:"row_count"`
	PolicyRevision     string               `json:"policy_revision"`
	ConfigRevision     string               `json:"config_revision"`
	CodeReleaseID      string               `json:"code_release_id"`
	CreatedAt          time.Time            `json:"created_at"`
}

func (m DatasetManifest) Validate() error {
	if strings.TrimSpace(m.DatasetManifestID) == "" {
		return errors.New("dataset manifest id is required")
	}
	if strings.TrimSpace(m.DatasetFingerprint) == "" {
		return errors.New("dataset fingerprint is required")
	}
	if strings.TrimSpace(m.PlatformRunID) == "" {
		return errors.New("platform run id is required")
	}
	if strings.TrimSpace(m.RowsDigest) == "" {
		return errors.New("rows digest is required")
	}
	return nil
}

// SupersessionRecord links a manifest to the prior manifests it replaces.
// A non-empty link set requires a backfill reason.
type SupersessionRecord struct {
	Schema              string    `json:"schema"`
	DatasetManifestID   string    `json:"dataset_manifest_id"`
	SupersededManifests []string  `json:"superseded_manifests"`
	BackfillReason      string    `json:"backfill_reason"`
	CreatedAt           time.Time `json:"created_at"`
}

func (r SupersessionRecord) Validate() error {
	if strings.TrimSpace(r.DatasetManifestID) == "" {
		return errors.New("dataset manifest id is required")
	}
	if len(r.SupersededManifests) == 0 {
		return errors.New("superseded manifest list is empty")
	}
	for _, id := range r.SupersededManifests {
		if strings.TrimSpace(id) == "" {
			return errors.New("superseded manifest id is empty")
		}
	}
	if strings.TrimSpace(r.BackfillReason) == "" {
		return errors.New("backfill reason is required")
	}
	return nil
}

// PublishMode records how a publication request concluded.
type PublishMode string

const (
	PublishedNew     PublishMode = "PUBLISHED"
	AlreadyPublished PublishMode = "ALREADY_PUBLISHED"
)

// PublicationReceipt records how and when a manifest was published.
type PublicationReceipt struct {
	Schema            string       `json:"schema"`
	RunKey            string       `json:"run_key"`
	DatasetManifestID string       `json:"dataset_manifest_id"`
	Mode              PublishMode  `json:"mode"`
	ReplayStatus      ReplayStatus `json:"replay_status"`
	LabelGateReady    *bool        `json:"label_gate_ready,omitempty"`
	ManifestRef       string       `json:"manifest_ref"`
	MaterializationRef string      `json:"materialization_ref"`
	SupersessionRef   string       `json:"supersession_ref,omitempty"`
	EvidenceRefs      []string     `json:"evidence_refs,omitempty"`
	PublishedAt       time.Time    `json:"published_at"`
}

// EnsurePublicationReceiptCompatible checks that a re-publish carries the same
// invariant fields as the receipt already on record. The publish mode and
// timestamp may differ between attempts; identity and evidence may not.
func EnsurePublicationReceiptCompatible(existing, next PublicationReceipt) error {
	if existing.RunKey != next.RunKey {
		return fmt.Errorf("run key changed from %q to %q", existing.RunKey, next.RunKey)
	}
	if existing.DatasetManifestID != next.DatasetManifestID {
		return fmt.Errorf("dataset manifest id changed from %q to %q", existing.DatasetManifestID, next.DatasetManifestID)
	}
	if existing.ReplayStatus != next.ReplayStatus {
		return errors.New("replay status is immutable")
	}
	if (existing.LabelGateReady == nil) != (next.LabelGateReady == nil) {
		return errors.New("label gate presence is immutable")
	}
	if existing.LabelGateReady != nil && next.LabelGateReady != nil && *existing.LabelGateReady != *next.LabelGateReady {
		return errors.New("label gate decision is immutable")
	}
	if existing.ManifestRef != next.ManifestRef {
		return errors.New("manifest ref is immutable")
	}
	if existing.MaterializationRef != next.MaterializationRef {
		return errors.New("materialization ref is immutable")
	}
	if existing.SupersessionRef != next.SupersessionRef {
		return errors.New("supersession ref is immutable")
	}
	return nil
}
