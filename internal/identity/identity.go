// Package identity computes the deterministic keys that name every durable
// artifact in the pipeline: run keys, dataset fingerprints, manifest ids and
// row ids. All digests are SHA-256 over canonical JSON (sorted object keys,
// no insignificant whitespace) wrapped in a tagged recipe envelope, so the
// same identity material always hashes to the same key across processes.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/veritas-labs/datasmith-go/internal/domain"
)

const (
	recipeRunKey      = "datasmith.run_key.v1"
	recipeFingerprint = "datasmith.dataset_fingerprint.v1"
	recipeManifestID  = "datasmith.dataset_manifest_id.v1"
	recipeRowID       = "datasmith.row_id.v1"

	manifestIDPrefix = "dsm-"
	truncatedHexLen  = 32
)

type envelope struct {
	Recipe  string `json:"recipe"`
	Payload any    `json:"payload"`
}

// Digest hashes a tagged recipe envelope and returns the full hex digest.
func Digest(recipe string, payload any) (string, error) {
	if strings.TrimSpace(recipe) == "" {
		return "", errors.New("recipe is required")
	}
	blob, err := json.Marshal(envelope{Recipe: recipe, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("marshal digest envelope: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// PayloadSHA256 hashes any value's canonical JSON encoding, untagged. Used
// for duplicate-submission detection and content digests.
func PayloadSHA256(payload any) (string, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// SHA256Bytes hashes raw bytes; used where the canonical encoding already exists.
func SHA256Bytes(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// RunKey derives the ledger key for a request id.
func RunKey(requestID string) (string, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", errors.New("request id is required")
	}
	digest, err := Digest(recipeRunKey, requestID)
	if err != nil {
		return "", err
	}
	return digest[:truncatedHexLen], nil
}

// fingerprintIdentity is the exact field set covered by a dataset fingerprint.
// The request id is deliberately excluded: two requests for the same dataset
// share a fingerprint.
type fingerprintIdentity struct {
	PlatformRunID  string                      `json:"platform_run_id"`
	ScenarioRunIDs []string                    `json:"scenario_run_ids,omitempty"`
	ReplayBasis    []domain.ReplayBasisSlice   `json:"replay_basis"`
	LabelBasis     domain.LabelBasis           `json:"label_basis"`
	FeatureSet     domain.FeatureDefinitionSet `json:"feature_definition_set"`
	JoinScope      map[string]string           `json:"join_scope,omitempty"`
	Filters        map[string]string           `json:"filters,omitempty"`
	PolicyRevision string                      `json:"policy_revision"`
	ConfigRevision string                      `json:"config_revision"`
	CodeReleaseID  string                      `json:"code_release_id"`
}

// DatasetFingerprint hashes the canonicalized dataset identity of an intent.
func DatasetFingerprint(intent domain.BuildIntent) (string, error) {
	canon := intent.Canonical()
	return Digest(recipeFingerprint, fingerprintIdentity{
		PlatformRunID:  canon.PlatformRunID,
		ScenarioRunIDs: canon.ScenarioRunIDs,
		ReplayBasis:    canon.ReplayBasis,
		LabelBasis:     canon.LabelBasis,
		FeatureSet:     canon.FeatureSet,
		JoinScope:      canon.JoinScope,
		Filters:        canon.Filters,
		PolicyRevision: canon.PolicyRevision,
		ConfigRevision: canon.ConfigRevision,
		CodeReleaseID:  canon.CodeReleaseID,
	})
}

// DatasetManifestID derives the prefixed, truncated manifest id from a
// dataset fingerprint.
func DatasetManifestID(fingerprint string) (string, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return "", errors.New("dataset fingerprint is required")
	}
	digest, err := Digest(recipeManifestID, fingerprint)
	if err != nil {
		return "", err
	}
	return manifestIDPrefix + digest[:truncatedHexLen], nil
}

type rowIdentity struct {
	PlatformRunID   string `json:"platform_run_id"`
	EventID         string `json:"event_id"`
	Topic           string `json:"topic"`
	Partition       string `json:"partition"`
	OffsetKind      string `json:"offset_kind"`
	Offset          string `json:"offset"`
	PayloadHash     string `json:"payload_hash"`
	ProfileRevision string `json:"feature_profile_revision"`
}

// RowID derives the deterministic id for one dataset row.
func RowID(platformRunID string, event domain.ReplayEvent, profileRevision string) (string, error) {
	if strings.TrimSpace(platformRunID) == "" {
		return "", errors.New("platform run id is required")
	}
	if strings.TrimSpace(profileRevision) == "" {
		return "", errors.New("feature profile revision is required")
	}
	return Digest(recipeRowID, rowIdentity{
		PlatformRunID:   strings.TrimSpace(platformRunID),
		EventID:         strings.TrimSpace(event.EventID),
		Topic:           strings.TrimSpace(event.Topic),
		Partition:       strings.TrimSpace(event.Partition),
		OffsetKind:      strings.TrimSpace(event.OffsetKind),
		Offset:          strings.TrimSpace(event.Offset),
		PayloadHash:     strings.TrimSpace(event.PayloadHash),
		ProfileRevision: strings.TrimSpace(profileRevision),
	})
}

// IntentPayloadSHA256 hashes the full canonical intent, request id included.
// This is the duplicate-submission comparator for the run ledger.
func IntentPayloadSHA256(intent domain.BuildIntent) (string, error) {
	return PayloadSHA256(intent.Canonical())
}
