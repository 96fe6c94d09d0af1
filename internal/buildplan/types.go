package buildplan

import (
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
)

// RunFacts is the upstream provenance document a build plan is resolved
// against: governed pins, output locators and the pass receipts that gate
// reading them.
type RunFacts struct {
	Pins             map[string]string `json:"pins,omitempty"`
	PlatformRunID    string            `json:"platform_run_id"`
	ScenarioRunID    string            `json:"scenario_run_id,omitempty"`
	Locators         []OutputLocator   `json:"locators"`
	InstanceReceipts []InstanceReceipt `json:"instance_receipts,omitempty"`
	GateReceipts     []GateReceipt     `json:"gate_receipts,omitempty"`
}

// OutputLocator points at one world output produced upstream.
type OutputLocator struct {
	OutputID            string `json:"output_id"`
	Path                string `json:"path"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
	ParameterHash       string `json:"parameter_hash,omitempty"`
	ScenarioID          string `json:"scenario_id,omitempty"`
	Seed                string `json:"seed,omitempty"`
	ContentDigest       string `json:"content_digest,omitempty"`
}

// InstanceReceipt attests one output id passed validation.
type InstanceReceipt struct {
	OutputID  string     `json:"output_id"`
	Status    string     `json:"status"`
	TargetRef *TargetRef `json:"target_ref,omitempty"`
}

type TargetRef struct {
	Path string `json:"path"`
}

// GateReceipt attests a whole manifest fingerprint passed its gate.
type GateReceipt struct {
	Status string    `json:"status"`
	Scope  GateScope `json:"scope"`
}

type GateScope struct {
	ManifestFingerprint string `json:"manifest_fingerprint"`
}

// FeatureAuthority is the shared document declaring the governed feature
// groups a build may bind to. YAML or JSON on the wire.
type FeatureAuthority struct {
	PolicyID      string         `yaml:"policy_id" json:"policy_id"`
	Revision      string         `yaml:"revision" json:"revision"`
	FeatureGroups []FeatureGroup `yaml:"feature_groups" json:"feature_groups"`
}

type FeatureGroup struct {
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      []string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// ResolvedFeatureProfile is the matched feature group plus the authority
// revision it came from. Its Revision string participates in row identity.
type ResolvedFeatureProfile struct {
	PolicyID     string   `json:"policy_id"`
	Revision     string   `json:"revision"`
	GroupName    string   `json:"group_name"`
	GroupVersion string   `json:"group_version"`
	Fields       []string `json:"fields,omitempty"`
}

// ParityAnchor is a prior audit, decision or snapshot record a rebuild is
// compared against. It exposes either its own replay basis or an EB offset
// basis, optionally with the feature set it was bound to.
type ParityAnchor struct {
	AnchorKind    string                       `json:"anchor_kind"`
	ReplayBasis   []domain.ReplayBasisSlice    `json:"replay_basis,omitempty"`
	EBOffsetBasis *EBOffsetBasis               `json:"eb_offset_basis,omitempty"`
	FeatureSet    *domain.FeatureDefinitionSet `json:"feature_definition_set,omitempty"`
}

type EBOffsetBasis struct {
	Topic       string `json:"topic"`
	Partition   string `json:"partition"`
	OffsetKind  string `json:"offset_kind"`
	StartOffset string `json:"start_offset"`
	EndOffset   string `json:"end_offset"`
}

// ResolvedParityAnchor carries the anchor and its content digest for later
// bit-exact rebuild comparison.
type ResolvedParityAnchor struct {
	Ref    string       `json:"ref"`
	Digest string       `json:"digest"`
	Anchor ParityAnchor `json:"anchor"`
}

// TrustedLocator is a locator that cleared the no-pass-no-read rule, tagged
// with which proof admitted it.
type TrustedLocator struct {
	OutputID            string `json:"output_id"`
	Path                string `json:"path"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
	TrustBasis          string `json:"trust_basis"`
}

const (
	TrustInstanceReceipt = "instance_receipt"
	TrustGateReceipt     = "gate_receipt"
)

// ResolvedBuildPlan is the immutable Phase 3 output for one run.
type ResolvedBuildPlan struct {
	Schema         string                 `json:"schema"`
	RunKey         string                 `json:"run_key"`
	PlatformRunID  string                 `json:"platform_run_id"`
	ScenarioRunIDs []string               `json:"scenario_run_ids,omitempty"`
	Pins           map[string]string      `json:"pins,omitempty"`
	Locators       []TrustedLocator       `json:"locators"`
	FeatureProfile ResolvedFeatureProfile `json:"feature_profile"`
	ParityAnchor   *ResolvedParityAnchor  `json:"parity_anchor,omitempty"`
	ResolvedAt     time.Time              `json:"resolved_at"`
}

// ProfileRevision is the string that binds rows to the exact feature
// definition they were projected with.
func (p ResolvedFeatureProfile) ProfileRevision() string {
	return p.PolicyID + "/" + p.Revision + "/" + p.GroupName + "@" + p.GroupVersion
}
