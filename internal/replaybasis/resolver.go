// Package replaybasis reconciles a declared replay basis against the offset
// evidence reported by the event backbone and the archive. EB evidence is
// authoritative up to the cutover offset; the archive is authoritative after
// it. The outcome is an append-only completeness receipt per run.
package replaybasis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

const receiptSchemaV1 = "datasmith.replay_receipt.v1"

// Resolver reconciles observations into a completeness receipt.
type Resolver struct {
	store objectstore.Store
	now   func() time.Time
}

func NewResolver(store objectstore.Store) *Resolver {
	if store == nil {
		return nil
	}
	return &Resolver{store: store, now: time.Now}
}

// ReceiptKey is the object store key the replay receipt for a run lives at.
func ReceiptKey(runKey string) string {
	return "receipts/replay/" + runKey + ".json"
}

// Resolve reconciles the intent's replay basis against the given observations
// and persists the receipt append-only. Anomalies are recorded, never
// silently repaired; whether they are fatal is the caller's decision via
// EnforceTrainingGate.
func (r *Resolver) Resolve(ctx context.Context, runKey string, intent domain.BuildIntent, observations []domain.ReplayObservation) (domain.ReplayCompletenessReceipt, error) {
	if r == nil || r.store == nil {
		return domain.ReplayCompletenessReceipt{}, errors.New("replay basis resolver not initialized")
	}
	for idx, obs := range observations {
		if err := obs.Validate(); err != nil {
			return domain.ReplayCompletenessReceipt{}, fmt.Errorf("observation %d: %w", idx, err)
		}
	}
	canon := intent.Canonical()

	receipt := domain.ReplayCompletenessReceipt{
		Schema:     receiptSchemaV1,
		RunKey:     runKey,
		ResolvedAt: r.now().UTC(),
	}
	for _, slice := range canon.ReplayBasis {
		resolution, anomalies, totals, err := resolveSlice(slice, observations)
		if err != nil {
			return domain.ReplayCompletenessReceipt{}, err
		}
		receipt.Slices = append(receipt.Slices, resolution)
		receipt.Anomalies = append(receipt.Anomalies, anomalies...)
		receipt.Totals.RequiredOffsets += totals.RequiredOffsets
		receipt.Totals.CoveredOffsets += totals.CoveredOffsets
		receipt.Totals.MissingOffsets += totals.MissingOffsets
		receipt.Totals.MismatchCount += totals.MismatchCount
	}

	receipt.Status = domain.ReplayIncomplete
	if receipt.Totals.MissingOffsets == 0 && receipt.Totals.MismatchCount == 0 &&
		receipt.Totals.RequiredOffsets == receipt.Totals.CoveredOffsets {
		receipt.Status = domain.ReplayComplete
	}

	if err := r.persist(ctx, runKey, &receipt); err != nil {
		return domain.ReplayCompletenessReceipt{}, err
	}
	return receipt, nil
}

// EnforceTrainingGate converts a receipt into a hard failure for builds that
// feed training. Non-training builds proceed with the receipt as diagnosis.
func EnforceTrainingGate(intent domain.BuildIntent, receipt domain.ReplayCompletenessReceipt) error {
	if !intent.TrainingIntent() {
		return nil
	}
	if receipt.Totals.MismatchCount > 0 {
		return domain.Failf(domain.CodeReplayBasisMismatch,
			"replay basis has %d payload mismatches", receipt.Totals.MismatchCount)
	}
	if receipt.Status != domain.ReplayComplete {
		return domain.Failf(domain.CodeReplayBasisIncomplete,
			"replay basis is incomplete: %d of %d offsets missing",
			receipt.Totals.MissingOffsets, receipt.Totals.RequiredOffsets)
	}
	return nil
}

func (r *Resolver) persist(ctx context.Context, runKey string, receipt *domain.ReplayCompletenessReceipt) error {
	key := ReceiptKey(runKey)
	existing, err := r.store.Get(ctx, key)
	if err == nil {
		var prior domain.ReplayCompletenessReceipt
		if unmarshalErr := json.Unmarshal(existing, &prior); unmarshalErr != nil {
			return fmt.Errorf("decode existing replay receipt: %w", unmarshalErr)
		}
		receipt.ResolvedAt = prior.ResolvedAt
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	blob, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal replay receipt: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, r.store, key, blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeReceiptImmutability,
				"replay receipt for run %s differs from recorded receipt", runKey)
		}
		return err
	}
	return nil
}

func resolveSlice(slice domain.ReplayBasisSlice, observations []domain.ReplayObservation) (domain.SliceResolution, []domain.ReplayAnomaly, domain.ReplayTotals, error) {
	start, err := slice.StartInt()
	if err != nil {
		return domain.SliceResolution{}, nil, domain.ReplayTotals{}, err
	}
	end, err := slice.EndInt()
	if err != nil {
		return domain.SliceResolution{}, nil, domain.ReplayTotals{}, err
	}
	required := Interval{Start: start, End: end}

	var anomalies []domain.ReplayAnomaly
	var totals domain.ReplayTotals
	totals.RequiredOffsets = required.Length()

	ebHashes, ebAnoms, ebConflicts := collectSource(slice, required, domain.SourceEB, observations)
	archiveHashes, arAnoms, arConflicts := collectSource(slice, required, domain.SourceArchive, observations)
	anomalies = append(anomalies, ebAnoms...)
	anomalies = append(anomalies, arAnoms...)
	totals.MismatchCount += int64(ebConflicts + arConflicts)

	// Cross-source payload agreement where both sources observed an offset.
	crossOffsets := make([]int64, 0)
	for offset, ebHash := range ebHashes {
		arHash, ok := archiveHashes[offset]
		if ok && ebHash != arHash {
			crossOffsets = append(crossOffsets, offset)
		}
	}
	sort.Slice(crossOffsets, func(a, b int) bool { return crossOffsets[a] < crossOffsets[b] })
	for _, offset := range crossOffsets {
		anomalies = append(anomalies, anomaly(slice, domain.AnomalyPayloadHashMismatch, offset, offset,
			fmt.Sprintf("payload hash disagreement at offset %d", offset)))
		totals.MismatchCount++
	}

	ebCoverage := Intersect(offsetsToIntervals(ebHashes), required)
	archiveCoverage := Intersect(offsetsToIntervals(archiveHashes), required)

	// EB evidence wins up to the highest EB-covered offset; the archive
	// backfills anything beyond or between.
	ebSelected := ebCoverage
	remainder := Subtract(required, ebSelected)
	var archiveSelected []Interval
	for _, gap := range remainder {
		archiveSelected = append(archiveSelected, Intersect(archiveCoverage, gap)...)
	}

	selected := make([]SourceInterval, 0, len(ebSelected)+len(archiveSelected))
	for _, iv := range ebSelected {
		selected = append(selected, SourceInterval{Source: domain.SourceEB, Interval: iv})
	}
	for _, iv := range archiveSelected {
		selected = append(selected, SourceInterval{Source: domain.SourceArchive, Interval: iv})
	}
	selected = MergeSameSource(selected)

	covered := make([]Interval, 0, len(selected))
	for _, sr := range selected {
		covered = append(covered, sr.Interval)
	}
	missing := Subtract(required, covered)
	for _, gap := range missing {
		anomalies = append(anomalies, anomaly(slice, domain.AnomalyGap, gap.Start, gap.End,
			"no source covers this range"))
	}

	totals.CoveredOffsets = totalLength(covered)
	totals.MissingOffsets = totalLength(missing)

	resolution := domain.SliceResolution{
		Topic:          slice.Topic,
		Partition:      slice.Partition,
		OffsetKind:     slice.OffsetKind,
		StartOffset:    slice.StartOffset,
		EndOffset:      slice.EndOffset,
		SelectedRanges: sourceRanges(selected),
		MissingRanges:  missingRanges(missing),
	}
	switch {
	case len(ebSelected) > 0 && len(archiveSelected) > 0:
		cutover := ebSelected[len(ebSelected)-1].End
		resolution.CutoverMode = domain.CutoverEBThenArchive
		resolution.CutoverOffset = domain.FormatOffset(cutover)
		resolution.ArchiveAuthoritativeFromOffset = domain.FormatOffset(cutover + 1)
	case len(ebSelected) > 0:
		resolution.CutoverMode = domain.CutoverEBOnly
		resolution.CutoverOffset = domain.FormatOffset(ebSelected[len(ebSelected)-1].End)
	default:
		resolution.CutoverMode = domain.CutoverArchiveOnly
		resolution.ArchiveAuthoritativeFromOffset = slice.StartOffset
	}
	return resolution, anomalies, totals, nil
}

// collectSource folds one source's observations for a slice into an
// offset-to-hash map, flagging duplicate offsets whose payload hashes
// disagree. Duplicates with identical hashes are redelivery, not conflict.
func collectSource(slice domain.ReplayBasisSlice, required Interval, source domain.ObservationSource, observations []domain.ReplayObservation) (map[int64]string, []domain.ReplayAnomaly, int) {
	hashes := make(map[int64]string)
	conflicted := make(map[int64]struct{})
	for _, obs := range observations {
		if obs.Source != source || !sameSliceKey(slice, obs) {
			continue
		}
		offset, err := obs.OffsetInt()
		if err != nil || offset < required.Start || offset > required.End {
			continue
		}
		hash := strings.TrimSpace(obs.PayloadHash)
		prior, seen := hashes[offset]
		if seen && prior != hash {
			conflicted[offset] = struct{}{}
			continue
		}
		hashes[offset] = hash
	}
	offsets := make([]int64, 0, len(conflicted))
	for offset := range conflicted {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(a, b int) bool { return offsets[a] < offsets[b] })
	anomalies := make([]domain.ReplayAnomaly, 0, len(offsets))
	for _, offset := range offsets {
		anomalies = append(anomalies, anomaly(slice, domain.AnomalyDuplicateOffsetConflict, offset, offset,
			fmt.Sprintf("%s reported conflicting payloads at offset %d", source, offset)))
	}
	return hashes, anomalies, len(offsets)
}

func sameSliceKey(slice domain.ReplayBasisSlice, obs domain.ReplayObservation) bool {
	return strings.TrimSpace(obs.Topic) == slice.Topic &&
		strings.TrimSpace(obs.Partition) == slice.Partition &&
		strings.TrimSpace(obs.OffsetKind) == slice.OffsetKind
}

func offsetsToIntervals(hashes map[int64]string) []Interval {
	if len(hashes) == 0 {
		return nil
	}
	intervals := make([]Interval, 0, len(hashes))
	for offset := range hashes {
		intervals = append(intervals, Interval{Start: offset, End: offset})
	}
	return Merge(intervals)
}

func sourceRanges(selected []SourceInterval) []domain.SelectedRange {
	out := make([]domain.SelectedRange, 0, len(selected))
	for _, sr := range selected {
		out = append(out, domain.SelectedRange{
			Source:      sr.Source,
			StartOffset: domain.FormatOffset(sr.Start),
			EndOffset:   domain.FormatOffset(sr.End),
		})
	}
	return out
}

func missingRanges(missing []Interval) []domain.SelectedRange {
	if len(missing) == 0 {
		return nil
	}
	out := make([]domain.SelectedRange, 0, len(missing))
	for _, iv := range missing {
		out = append(out, domain.SelectedRange{
			StartOffset: domain.FormatOffset(iv.Start),
			EndOffset:   domain.FormatOffset(iv.End),
		})
	}
	return out
}

func anomaly(slice domain.ReplayBasisSlice, kind domain.AnomalyKind, start, end int64, detail string) domain.ReplayAnomaly {
	return domain.ReplayAnomaly{
		Kind:        kind,
		Topic:       slice.Topic,
		Partition:   slice.Partition,
		OffsetKind:  slice.OffsetKind,
		StartOffset: domain.FormatOffset(start),
		EndOffset:   domain.FormatOffset(end),
		Detail:      detail,
	}
}
