package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

// Evidence document keys for one platform run.
func observationsKey(platformRunID string) string {
	return "evidence/" + platformRunID + "/observations.json"
}

func eventsKey(platformRunID string) string {
	return "evidence/" + platformRunID + "/events.json"
}

func archivePrefix(platformRunID string, slice domain.ReplayBasisSlice) string {
	return "archive/" + platformRunID + "/" + slice.Topic + "/" + slice.Partition + "/" + slice.OffsetKind + "/"
}

// loadObservations returns the replay observations for a run. When no
// explicit observations document exists, the archive is scanned per slice as
// a best-effort fallback; every discovered envelope counts as archive
// evidence.
func (w *Worker) loadObservations(ctx context.Context, intent domain.BuildIntent) ([]domain.ReplayObservation, error) {
	blob, err := w.store.Get(ctx, observationsKey(intent.PlatformRunID))
	if err == nil {
		var observations []domain.ReplayObservation
		if err := json.Unmarshal(blob, &observations); err != nil {
			return nil, fmt.Errorf("decode observations: %w", err)
		}
		return observations, nil
	}
	if !errors.Is(err, objectstore.ErrNotFound) {
		return nil, err
	}

	events, err := w.discoverArchiveEvents(ctx, intent)
	if err != nil {
		return nil, err
	}
	observations := make([]domain.ReplayObservation, 0, len(events))
	for _, event := range events {
		observations = append(observations, domain.ReplayObservation{
			Topic:       event.Topic,
			Partition:   event.Partition,
			OffsetKind:  event.OffsetKind,
			Offset:      event.Offset,
			Source:      domain.SourceArchive,
			PayloadHash: event.PayloadHash,
		})
	}
	return observations, nil
}

// loadEvents returns the raw replay events for a run, falling back to
// archive discovery like loadObservations.
func (w *Worker) loadEvents(ctx context.Context, intent domain.BuildIntent) ([]domain.ReplayEvent, error) {
	blob, err := w.store.Get(ctx, eventsKey(intent.PlatformRunID))
	if err == nil {
		var events []domain.ReplayEvent
		if err := json.Unmarshal(blob, &events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return events, nil
	}
	if !errors.Is(err, objectstore.ErrNotFound) {
		return nil, err
	}
	return w.discoverArchiveEvents(ctx, intent)
}

// discoverArchiveEvents scans the archived envelopes under each replay slice
// prefix and keeps the ones whose offsets fall inside the slice.
func (w *Worker) discoverArchiveEvents(ctx context.Context, intent domain.BuildIntent) ([]domain.ReplayEvent, error) {
	out := make([]domain.ReplayEvent, 0)
	for _, slice := range intent.ReplayBasis {
		start, err := slice.StartInt()
		if err != nil {
			return nil, err
		}
		end, err := slice.EndInt()
		if err != nil {
			return nil, err
		}
		keys, err := w.store.List(ctx, archivePrefix(intent.PlatformRunID, slice))
		if err != nil {
			return nil, fmt.Errorf("scan archive for %s/%s: %w", slice.Topic, slice.Partition, err)
		}
		for _, key := range keys {
			blob, err := w.store.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("read archive envelope %s: %w", key, err)
			}
			var event domain.ReplayEvent
			if err := json.Unmarshal(blob, &event); err != nil {
				return nil, fmt.Errorf("decode archive envelope %s: %w", key, err)
			}
			offset, err := event.OffsetInt()
			if err != nil {
				return nil, fmt.Errorf("archive envelope %s: %w", key, err)
			}
			if offset < start || offset > end {
				continue
			}
			out = append(out, event)
		}
	}
	return out, nil
}

// labelSubjects derives the label resolution targets from the replay events.
func labelSubjects(platformRunID string, events []domain.ReplayEvent) []domain.LabelSubject {
	seen := make(map[string]struct{}, len(events))
	out := make([]domain.LabelSubject, 0, len(events))
	for _, event := range events {
		if _, ok := seen[event.EventID]; ok {
			continue
		}
		seen[event.EventID] = struct{}{}
		out = append(out, domain.LabelSubject{PlatformRunID: platformRunID, EventID: event.EventID})
	}
	return out
}
