// Package publish writes the permanent record of a built dataset: manifest,
// materialization, optional supersession record and the publication receipt.
// Every path is append-only; a re-publish either matches byte for byte or is
// an immutability violation.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/identity"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

const (
	manifestSchemaV1     = "datasmith.dataset_manifest.v1"
	supersessionSchemaV1 = "datasmith.supersession_record.v1"
	receiptSchemaV1      = "datasmith.publication_receipt.v1"
)

// Publisher performs Phase 7 for one run.
type Publisher struct {
	store objectstore.Store
	now   func() time.Time
}

func NewPublisher(store objectstore.Store) *Publisher {
	if store == nil {
		return nil
	}
	return &Publisher{store: store, now: time.Now}
}

// Request carries everything the publisher needs for one publication.
type Request struct {
	RunKey              string
	Intent              domain.BuildIntent
	Draft               domain.DatasetDraft
	Replay              domain.ReplayCompletenessReceipt
	Label               *domain.LabelResolutionReceipt
	SupersededManifests []string
	BackfillReason      string
	EvidenceRefs        []string
}

// Object store keys for the published artifacts of one manifest id.
func ManifestKey(manifestID string) string {
	return "manifests/" + manifestID + "/manifest.json"
}

func MaterializationKey(manifestID string) string {
	return "manifests/" + manifestID + "/materialization.json"
}

func SupersessionKey(manifestID string) string {
	return "manifests/" + manifestID + "/supersession.json"
}

// ReceiptKey is the object store key the publication receipt for a run lives at.
func ReceiptKey(runKey string) string {
	return "receipts/publication/" + runKey + ".json"
}

// Publish checks the publication preconditions, writes the manifest,
// materialization and optional supersession record in order, then writes the
// receipt. An exact re-publish returns the recorded receipt with mode
// ALREADY_PUBLISHED.
func (p *Publisher) Publish(ctx context.Context, req Request) (domain.PublicationReceipt, error) {
	if p == nil || p.store == nil {
		return domain.PublicationReceipt{}, errors.New("publisher not initialized")
	}
	canon := req.Intent.Canonical()
	if err := checkPreconditions(canon, req); err != nil {
		return domain.PublicationReceipt{}, err
	}

	fingerprint, err := identity.DatasetFingerprint(canon)
	if err != nil {
		return domain.PublicationReceipt{}, err
	}
	manifestID, err := identity.DatasetManifestID(fingerprint)
	if err != nil {
		return domain.PublicationReceipt{}, err
	}

	manifest := domain.DatasetManifest{
		Schema:             manifestSchemaV1,
		DatasetManifestID:  manifestID,
		DatasetFingerprint: fingerprint,
		PlatformRunID:      canon.PlatformRunID,
		ScenarioRunIDs:     canon.ScenarioRunIDs,
		ReplayBasis:        canon.ReplayBasis,
		LabelBasis:         canon.LabelBasis,
		FeatureSet:         canon.FeatureSet,
		RowsDigest:         req.Draft.RowsDigest,
		RowCount:           len(req.Draft.Rows),
		PolicyRevision:     canon.PolicyRevision,
		ConfigRevision:     canon.ConfigRevision,
		CodeReleaseID:      canon.CodeReleaseID,
		CreatedAt:          p.now().UTC(),
	}
	if err := manifest.Validate(); err != nil {
		return domain.PublicationReceipt{}, fmt.Errorf("manifest: %w", err)
	}
	if err := p.writeManifest(ctx, &manifest); err != nil {
		return domain.PublicationReceipt{}, err
	}
	if err := p.writeMaterialization(ctx, manifestID, req.Draft); err != nil {
		return domain.PublicationReceipt{}, err
	}

	supersessionRef := ""
	if len(req.SupersededManifests) > 0 {
		supersessionRef = SupersessionKey(manifestID)
		if err := p.writeSupersession(ctx, manifestID, req); err != nil {
			return domain.PublicationReceipt{}, err
		}
	}

	receipt := domain.PublicationReceipt{
		Schema:             receiptSchemaV1,
		RunKey:             req.RunKey,
		DatasetManifestID:  manifestID,
		Mode:               domain.PublishedNew,
		ReplayStatus:       req.Replay.Status,
		ManifestRef:        ManifestKey(manifestID),
		MaterializationRef: MaterializationKey(manifestID),
		SupersessionRef:    supersessionRef,
		EvidenceRefs:       req.EvidenceRefs,
		PublishedAt:        p.now().UTC(),
	}
	if req.Label != nil {
		ready := req.Label.Gate.ReadyForTraining
		receipt.LabelGateReady = &ready
	}
	return p.writeReceipt(ctx, receipt)
}

func checkPreconditions(intent domain.BuildIntent, req Request) error {
	if req.Replay.Status != domain.ReplayComplete {
		return domain.Failf(domain.CodeReplayBasisIncomplete,
			"cannot publish: replay receipt status is %s", req.Replay.Status)
	}
	if intent.TrainingIntent() {
		if req.Label == nil {
			return domain.Failf(domain.CodeCoveragePolicyViolation,
				"cannot publish a training dataset without a label receipt")
		}
		if !req.Label.Gate.ReadyForTraining {
			return domain.Failf(domain.CodeCoveragePolicyViolation,
				"cannot publish: label gate not ready: %s", strings.Join(req.Label.Gate.Reasons, "; "))
		}
	}
	return nil
}

func (p *Publisher) writeManifest(ctx context.Context, manifest *domain.DatasetManifest) error {
	key := ManifestKey(manifest.DatasetManifestID)
	existing, err := p.store.Get(ctx, key)
	if err == nil {
		var prior domain.DatasetManifest
		if unmarshalErr := json.Unmarshal(existing, &prior); unmarshalErr != nil {
			return fmt.Errorf("decode existing manifest: %w", unmarshalErr)
		}
		manifest.CreatedAt = prior.CreatedAt
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	blob, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, p.store, key, blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeManifestImmutability,
				"manifest %s differs from recorded manifest", manifest.DatasetManifestID)
		}
		return err
	}
	return nil
}

func (p *Publisher) writeMaterialization(ctx context.Context, manifestID string, d domain.DatasetDraft) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal materialization: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, p.store, MaterializationKey(manifestID), blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeManifestImmutability,
				"materialization for %s differs from recorded payload", manifestID)
		}
		return err
	}
	return nil
}

func (p *Publisher) writeSupersession(ctx context.Context, manifestID string, req Request) error {
	record := domain.SupersessionRecord{
		Schema:              supersessionSchemaV1,
		DatasetManifestID:   manifestID,
		SupersededManifests: normalizeManifestIDs(req.SupersededManifests),
		BackfillReason:      strings.TrimSpace(req.BackfillReason),
		CreatedAt:           p.now().UTC(),
	}
	if err := record.Validate(); err != nil {
		return domain.Failf(domain.CodeSupersessionLinkInvalid, "supersession record: %v", err)
	}
	key := SupersessionKey(manifestID)
	existing, err := p.store.Get(ctx, key)
	if err == nil {
		var prior domain.SupersessionRecord
		if unmarshalErr := json.Unmarshal(existing, &prior); unmarshalErr != nil {
			return fmt.Errorf("decode existing supersession record: %w", unmarshalErr)
		}
		record.CreatedAt = prior.CreatedAt
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal supersession record: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, p.store, key, blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeSupersessionLinkInvalid,
				"supersession record for %s differs from recorded links", manifestID)
		}
		return err
	}
	return nil
}

// writeReceipt is idempotent-compatible: if a receipt already exists and all
// invariant fields match, the recorded receipt is returned with mode
// ALREADY_PUBLISHED.
func (p *Publisher) writeReceipt(ctx context.Context, receipt domain.PublicationReceipt) (domain.PublicationReceipt, error) {
	key := ReceiptKey(receipt.RunKey)
	existing, err := p.store.Get(ctx, key)
	if err == nil {
		var prior domain.PublicationReceipt
		if unmarshalErr := json.Unmarshal(existing, &prior); unmarshalErr != nil {
			return domain.PublicationReceipt{}, fmt.Errorf("decode existing publication receipt: %w", unmarshalErr)
		}
		if compatErr := domain.EnsurePublicationReceiptCompatible(prior, receipt); compatErr != nil {
			return domain.PublicationReceipt{}, domain.Failf(domain.CodePublicationReceiptViolation,
				"publication receipt for run %s: %v", receipt.RunKey, compatErr)
		}
		prior.Mode = domain.AlreadyPublished
		return prior, nil
	}
	if !errors.Is(err, objectstore.ErrNotFound) {
		return domain.PublicationReceipt{}, err
	}
	blob, err := json.Marshal(receipt)
	if err != nil {
		return domain.PublicationReceipt{}, fmt.Errorf("marshal publication receipt: %w", err)
	}
	if err := p.store.Create(ctx, key, blob, "application/json"); err != nil {
		if errors.Is(err, objectstore.ErrPathExists) {
			// Lost a race with another publisher; re-read and reconcile.
			return p.writeReceipt(ctx, receipt)
		}
		return domain.PublicationReceipt{}, err
	}
	return receipt, nil
}

func normalizeManifestIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
