package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IntentKind discriminates why a dataset build was requested.
type IntentKind string

const (
	IntentDatasetBuild    IntentKind = "dataset_build"
	IntentParityRebuild   IntentKind = "parity_rebuild"
	IntentForensicRebuild IntentKind = "forensic_rebuild"
)

// ReplayBasisSlice is one inclusive offset range over a single topic partition.
// Offsets travel as decimal strings on the wire.
type ReplayBasisSlice struct {
	Topic       string `json:"topic"`
	Partition   string `json:"partition"`
	OffsetKind  string `json:"offset_kind"`
	StartOffset string `json:"start_offset"`
	EndOffset   string `json:"end_offset"`
}

func (s ReplayBasisSlice) StartInt() (int64, error) {
	return parseOffset(s.StartOffset)
}

func (s ReplayBasisSlice) EndInt() (int64, error) {
	return parseOffset(s.EndOffset)
}

func (s ReplayBasisSlice) Validate() error {
	if strings.TrimSpace(s.Topic) == "" {
		return errors.New("topic is required")
	}
	if strings.TrimSpace(s.Partition) == "" {
		return errors.New("partition is required")
	}
	if strings.TrimSpace(s.OffsetKind) == "" {
		return errors.New("offset kind is required")
	}
	start, err := s.StartInt()
	if err != nil {
		return fmt.Errorf("start offset: %w", err)
	}
	end, err := s.EndInt()
	if err != nil {
		return fmt.Errorf("end offset: %w", err)
	}
	if start < 0 || end < start {
		return fmt.Errorf("invalid offset range [%d,%d]", start, end)
	}
	return nil
}

// LabelBasis declares the as-of instant and rule for label resolution.
type LabelBasis struct {
	AsOfUTC        time.Time `json:"label_asof_utc"`
	ResolutionRule string    `json:"resolution_rule"`
	MaturityDays   int       `json:"maturity_days,omitempty"`
}

// FeatureDefinitionSet identifies the versioned feature profile a build binds to.
type FeatureDefinitionSet struct {
	ID      string `json:"feature_set_id"`
	Version string `json:"feature_set_version"`
}

// BuildIntent is the immutable description of one requested dataset build.
type BuildIntent struct {
	RequestID          string               `json:"request_id"`
	IntentKind         IntentKind           `json:"intent_kind"`
	PlatformRunID      string               `json:"platform_run_id"`
	ScenarioRunIDs     []string             `json:"scenario_run_ids,omitempty"`
	ReplayBasis        []ReplayBasisSlice   `json:"replay_basis"`
	LabelBasis         LabelBasis           `json:"label_basis"`
	FeatureSet         FeatureDefinitionSet `json:"feature_definition_set"`
	JoinScope          map[string]string    `json:"join_scope,omitempty"`
	Filters            map[string]string    `json:"filters,omitempty"`
	RunFactsRef        string               `json:"run_facts_ref"`
	PolicyRevision     string               `json:"policy_revision"`
	ConfigRevision     string               `json:"config_revision"`
	CodeReleaseID      string               `json:"code_release_id"`
	NonTrainingAllowed bool                 `json:"non_training_allowed"`
	ParityAnchorRef    string               `json:"parity_anchor_ref,omitempty"`
}

func (i BuildIntent) Validate() error {
	if strings.TrimSpace(i.RequestID) == "" {
		return errors.New("request id is required")
	}
	switch i.IntentKind {
	case IntentDatasetBuild, IntentParityRebuild, IntentForensicRebuild:
	default:
		return fmt.Errorf("unknown intent kind %q", i.IntentKind)
	}
	if strings.TrimSpace(i.PlatformRunID) == "" {
		return errors.New("platform run id is required")
	}
	if len(i.ReplayBasis) == 0 {
		return errors.New("at least one replay basis slice is required")
	}
	for idx, slice := range i.ReplayBasis {
		if err := slice.Validate(); err != nil {
			return fmt.Errorf("replay basis slice %d: %w", idx, err)
		}
	}
	if i.LabelBasis.AsOfUTC.IsZero() {
		return errors.New("label as-of timestamp is required")
	}
	if i.LabelBasis.MaturityDays < 0 {
		return errors.New("maturity days must be >= 0")
	}
	if strings.TrimSpace(i.FeatureSet.ID) == "" || strings.TrimSpace(i.FeatureSet.Version) == "" {
		return errors.New("feature definition set id and version are required")
	}
	if strings.TrimSpace(i.RunFactsRef) == "" {
		return errors.New("run facts ref is required")
	}
	if strings.TrimSpace(i.CodeReleaseID) == "" {
		return errors.New("code release id is required")
	}
	return nil
}

// TrainingIntent reports whether this build feeds model training and must
// therefore clear the replay, leakage and coverage gates.
func (i BuildIntent) TrainingIntent() bool {
	return i.IntentKind == IntentDatasetBuild && !i.NonTrainingAllowed
}

// Canonical returns a normalized copy suitable for hashing: trimmed strings,
// scenario run ids sorted and deduplicated, replay slices sorted by their
// natural tuple order. Semantically ordered fields are left untouched.
func (i BuildIntent) Canonical() BuildIntent {
	out := i
	out.RequestID = strings.TrimSpace(i.RequestID)
	out.PlatformRunID = strings.TrimSpace(i.PlatformRunID)
	out.RunFactsRef = strings.TrimSpace(i.RunFactsRef)
	out.PolicyRevision = strings.TrimSpace(i.PolicyRevision)
	out.ConfigRevision = strings.TrimSpace(i.ConfigRevision)
	out.CodeReleaseID = strings.TrimSpace(i.CodeReleaseID)
	out.ParityAnchorRef = strings.TrimSpace(i.ParityAnchorRef)
	out.LabelBasis.AsOfUTC = i.LabelBasis.AsOfUTC.UTC()
	out.LabelBasis.ResolutionRule = strings.TrimSpace(i.LabelBasis.ResolutionRule)
	out.FeatureSet.ID = strings.TrimSpace(i.FeatureSet.ID)
	out.FeatureSet.Version = strings.TrimSpace(i.FeatureSet.Version)

	out.ScenarioRunIDs = normalizeIDSet(i.ScenarioRunIDs)
	out.ReplayBasis = normalizeSlices(i.ReplayBasis)
	return out
}

func normalizeIDSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func normalizeSlices(slices []ReplayBasisSlice) []ReplayBasisSlice {
	out := make([]ReplayBasisSlice, len(slices))
	for idx, s := range slices {
		out[idx] = ReplayBasisSlice{
			Topic:       strings.TrimSpace(s.Topic),
			Partition:   strings.TrimSpace(s.Partition),
			OffsetKind:  strings.TrimSpace(s.OffsetKind),
			StartOffset: strings.TrimSpace(s.StartOffset),
			EndOffset:   strings.TrimSpace(s.EndOffset),
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Topic != out[b].Topic {
			return out[a].Topic < out[b].Topic
		}
		if out[a].Partition != out[b].Partition {
			return out[a].Partition < out[b].Partition
		}
		if out[a].OffsetKind != out[b].OffsetKind {
			return out[a].OffsetKind < out[b].OffsetKind
		}
		as, _ := out[a].StartInt()
		bs, _ := out[b].StartInt()
		if as != bs {
			return as < bs
		}
		ae, _ := out[a].EndInt()
		be, _ := out[b].EndInt()
		return ae < be
	})
	return out
}

func parseOffset(value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("offset %q is not an integer", value)
	}
	return n, nil
}

// FormatOffset renders an offset back to its wire form.
func FormatOffset(offset int64) string {
	return strconv.FormatInt(offset, 10)
}
