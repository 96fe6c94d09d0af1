// Package draft turns raw replay events into an ordered, deduplicated set of
// training rows. The three passes and their exact sort keys are the
// reproducibility contract: the same events always yield the same draft.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/buildplan"
	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/identity"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

const draftSchemaV1 = "datasmith.dataset_draft.v1"

// Builder assembles dataset drafts and persists them append-only.
type Builder struct {
	store objectstore.Store
	now   func() time.Time
}

func NewBuilder(store objectstore.Store) *Builder {
	if store == nil {
		return nil
	}
	return &Builder{store: store, now: time.Now}
}

// DraftKey is the object store key the draft for a run key lives at.
func DraftKey(runKey string) string {
	return "drafts/" + runKey + ".json"
}

// Build runs the three deterministic passes over the replay events, projects
// features under the resolved profile and persists the draft. The optional
// receipts only annotate the draft; they never alter its rows.
func (b *Builder) Build(ctx context.Context, runKey string, intent domain.BuildIntent, profile buildplan.ResolvedFeatureProfile, events []domain.ReplayEvent, replay *domain.ReplayCompletenessReceipt, label *domain.LabelResolutionReceipt) (domain.DatasetDraft, error) {
	if b == nil || b.store == nil {
		return domain.DatasetDraft{}, errors.New("draft builder not initialized")
	}
	for idx, event := range events {
		if err := event.Validate(); err != nil {
			return domain.DatasetDraft{}, fmt.Errorf("replay event %d: %w", idx, err)
		}
	}
	canon := intent.Canonical()

	survivors, err := dedupeOffsetTuples(events)
	if err != nil {
		return domain.DatasetDraft{}, err
	}
	survivors, err = dedupeEventIDs(survivors)
	if err != nil {
		return domain.DatasetDraft{}, err
	}
	orderRows(survivors)

	revision := profile.ProfileRevision()
	rows := make([]domain.DatasetRow, 0, len(survivors))
	for _, event := range survivors {
		rowID, err := identity.RowID(canon.PlatformRunID, event, revision)
		if err != nil {
			return domain.DatasetDraft{}, err
		}
		features, numeric := projectFeatures(event.Payload, profile.Fields)
		rows = append(rows, domain.DatasetRow{
			RowID:           rowID,
			PlatformRunID:   canon.PlatformRunID,
			EventID:         event.EventID,
			Timestamp:       event.Timestamp.UTC(),
			Topic:           event.Topic,
			Partition:       event.Partition,
			OffsetKind:      event.OffsetKind,
			Offset:          event.Offset,
			PayloadHash:     event.PayloadHash,
			Features:        features,
			NumericFeatures: numeric,
		})
	}

	rowsBlob, err := json.Marshal(rows)
	if err != nil {
		return domain.DatasetDraft{}, fmt.Errorf("marshal draft rows: %w", err)
	}
	out := domain.DatasetDraft{
		Schema:          draftSchemaV1,
		RunKey:          runKey,
		PlatformRunID:   canon.PlatformRunID,
		ProfileRevision: revision,
		Rows:            rows,
		RowsDigest:      identity.SHA256Bytes(rowsBlob),
		BuiltAt:         b.now().UTC(),
	}
	if replay != nil {
		out.ReplayStatus = replay.Status
	}
	if label != nil {
		ready := label.Gate.ReadyForTraining
		out.LabelGateReady = &ready
	}
	if anchorBound(canon) {
		parity, err := identity.PayloadSHA256(struct {
			ProfileRevision string             `json:"feature_profile_revision"`
			Rows            []domain.DatasetRow `json:"rows"`
		}{revision, rows})
		if err != nil {
			return domain.DatasetDraft{}, err
		}
		out.ParityHash = parity
	}

	if err := b.persist(ctx, runKey, &out); err != nil {
		return domain.DatasetDraft{}, err
	}
	return out, nil
}

func anchorBound(intent domain.BuildIntent) bool {
	return intent.IntentKind == domain.IntentParityRebuild ||
		intent.IntentKind == domain.IntentForensicRebuild ||
		intent.ParityAnchorRef != ""
}

func (b *Builder) persist(ctx context.Context, runKey string, out *domain.DatasetDraft) error {
	key := DraftKey(runKey)
	existing, err := b.store.Get(ctx, key)
	if err == nil {
		var prior domain.DatasetDraft
		if unmarshalErr := json.Unmarshal(existing, &prior); unmarshalErr != nil {
			return fmt.Errorf("decode existing draft: %w", unmarshalErr)
		}
		out.BuiltAt = prior.BuiltAt
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, b.store, key, blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeDraftImmutability,
				"draft for run %s differs from recorded draft", runKey)
		}
		return err
	}
	return nil
}

// dedupeOffsetTuples collapses exact redelivery of the same offset tuple.
// The same tuple carrying a different payload hash is corruption, not
// redelivery, and fails the build.
func dedupeOffsetTuples(events []domain.ReplayEvent) ([]domain.ReplayEvent, error) {
	type tupleKey struct {
		topic, partition, offsetKind, offset, eventID string
	}
	seen := make(map[tupleKey]string, len(events))
	out := make([]domain.ReplayEvent, 0, len(events))
	for _, event := range events {
		key := tupleKey{event.Topic, event.Partition, event.OffsetKind, event.Offset, event.EventID}
		prior, ok := seen[key]
		if !ok {
			seen[key] = event.PayloadHash
			out = append(out, event)
			continue
		}
		if prior != event.PayloadHash {
			return nil, domain.Failf(domain.CodeReplayDuplicateOffset,
				"offset %s/%s/%s@%s carries conflicting payloads for event %s",
				event.Topic, event.Partition, event.OffsetKind, event.Offset, event.EventID)
		}
	}
	return out, nil
}

// dedupeEventIDs keeps one event per event id. A group whose payload hashes
// disagree is fatal; an agreeing group keeps the tie-break winner by
// ascending (topic, partition, offset_kind, numeric offset, payload hash).
func dedupeEventIDs(events []domain.ReplayEvent) ([]domain.ReplayEvent, error) {
	winners := make(map[string]domain.ReplayEvent, len(events))
	order := make([]string, 0, len(events))
	for _, event := range events {
		current, ok := winners[event.EventID]
		if !ok {
			winners[event.EventID] = event
			order = append(order, event.EventID)
			continue
		}
		if current.PayloadHash != event.PayloadHash {
			return nil, domain.Failf(domain.CodeReplayEventIDConflict,
				"event %s observed with conflicting payloads", event.EventID)
		}
		if tieBreakLess(event, current) {
			winners[event.EventID] = event
		}
	}
	out := make([]domain.ReplayEvent, 0, len(order))
	for _, eventID := range order {
		out = append(out, winners[eventID])
	}
	return out, nil
}

func tieBreakLess(a, b domain.ReplayEvent) bool {
	if a.Topic != b.Topic {
		return a.Topic < b.Topic
	}
	if a.Partition != b.Partition {
		return a.Partition < b.Partition
	}
	if a.OffsetKind != b.OffsetKind {
		return a.OffsetKind < b.OffsetKind
	}
	ao, _ := a.OffsetInt()
	bo, _ := b.OffsetInt()
	if ao != bo {
		return ao < bo
	}
	return a.PayloadHash < b.PayloadHash
}

// orderRows applies the final ordering contract. The key order is fixed:
// timestamp, event_id, topic, partition, numeric offset, offset_kind,
// payload hash.
func orderRows(events []domain.ReplayEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		if a.Partition != b.Partition {
			return a.Partition < b.Partition
		}
		ao, _ := a.OffsetInt()
		bo, _ := b.OffsetInt()
		if ao != bo {
			return ao < bo
		}
		if a.OffsetKind != b.OffsetKind {
			return a.OffsetKind < b.OffsetKind
		}
		return a.PayloadHash < b.PayloadHash
	})
}

// projectFeatures applies the placeholder transform: numeric payload fields
// pass through, booleans coerce to 0 or 1, everything else is dropped. When
// the profile declares fields, only those are considered.
func projectFeatures(payload map[string]any, declared []string) (map[string]float64, int) {
	features := make(map[string]float64)
	numeric := 0
	fields := declared
	if len(fields) == 0 {
		fields = make([]string, 0, len(payload))
		for name := range payload {
			fields = append(fields, name)
		}
		sort.Strings(fields)
	}
	for _, name := range fields {
		value, ok := payload[name]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case float64:
			features[name] = v
			numeric++
		case float32:
			features[name] = float64(v)
			numeric++
		case int:
			features[name] = float64(v)
			numeric++
		case int64:
			features[name] = float64(v)
			numeric++
		case json.Number:
			if f, err := v.Float64(); err == nil {
				features[name] = f
				numeric++
			}
		case bool:
			if v {
				features[name] = 1
			} else {
				features[name] = 0
			}
		}
	}
	return features, numeric
}
