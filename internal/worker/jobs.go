package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

const (
	jobSchemaV1        = "datasmith.job_request.v1"
	invocationSchemaV1 = "datasmith.invocation_receipt.v1"

	CommandDatasetBuild = "dataset_build"
	CommandPublishRetry = "publish_retry"
)

// JobRequest is one durable unit of work, written once per request id.
// A dataset_build carries the full intent; a publish_retry names the run key
// and optional publish inputs.
type JobRequest struct {
	SchemaVersion   string              `json:"schema_version"`
	RequestID       string              `json:"request_id"`
	Command         string              `json:"command"`
	PlatformRunID   string              `json:"platform_run_id"`
	RunConfigDigest string              `json:"run_config_digest,omitempty"`
	Intent          *domain.BuildIntent `json:"intent,omitempty"`
	RunKey          string              `json:"run_key,omitempty"`
	PublishInputs   *PublishInputs      `json:"publish_inputs,omitempty"`
}

// PublishInputs are the operator-supplied publication parameters.
type PublishInputs struct {
	SupersededManifests []string `json:"superseded_manifests,omitempty"`
	BackfillReason      string   `json:"backfill_reason,omitempty"`
	EvidenceRefs        []string `json:"evidence_refs,omitempty"`
}

func (r JobRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return errors.New("request id is required")
	}
	if strings.TrimSpace(r.PlatformRunID) == "" {
		return errors.New("platform run id is required")
	}
	switch r.Command {
	case CommandDatasetBuild:
		if r.Intent == nil {
			return errors.New("dataset_build requires an intent")
		}
	case CommandPublishRetry:
		if strings.TrimSpace(r.RunKey) == "" {
			return errors.New("publish_retry requires a run key")
		}
	default:
		return fmt.Errorf("unknown command %q", r.Command)
	}
	return nil
}

// ReceiptError carries the stable failure code and human detail on a receipt.
type ReceiptError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvocationReceipt records the outcome of processing one request. Exactly
// one receipt exists per request id; its presence makes re-delivery a no-op.
type InvocationReceipt struct {
	Schema        string        `json:"schema"`
	RequestID     string        `json:"request_id"`
	PlatformRunID string        `json:"platform_run_id"`
	Command       string        `json:"command"`
	RunKey        string        `json:"run_key,omitempty"`
	Status        string        `json:"status"`
	ResultRef     string        `json:"result_ref,omitempty"`
	Error         *ReceiptError `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// RequestKey and ReceiptKey derive the job document paths for a request.
func RequestKey(platformRunID, requestID string) string {
	return "jobs/" + platformRunID + "/" + requestID + "/request.json"
}

func InvocationReceiptKey(platformRunID, requestID string) string {
	return "jobs/" + platformRunID + "/" + requestID + "/receipt.json"
}

// Enqueue writes a job request document. The write is once-only per request
// id; re-enqueueing the identical document is a no-op.
func Enqueue(ctx context.Context, store objectstore.Store, req JobRequest) error {
	if store == nil {
		return errors.New("store is required")
	}
	req.SchemaVersion = jobSchemaV1
	if err := req.Validate(); err != nil {
		return fmt.Errorf("job request: %w", err)
	}
	blob, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal job request: %w", err)
	}
	if _, err := objectstore.WriteImmutable(ctx, store, RequestKey(req.PlatformRunID, req.RequestID), blob); err != nil {
		if errors.Is(err, objectstore.ErrImmutabilityViolation) {
			return domain.Failf(domain.CodeRequestIDPayloadMismatch,
				"request %s already enqueued with a different document", req.RequestID)
		}
		return err
	}
	return nil
}

// writeInvocationReceipt records the outcome once. A concurrent or earlier
// receipt wins; the attempt that lost simply observes the recorded one.
func writeInvocationReceipt(ctx context.Context, store objectstore.Store, receipt InvocationReceipt) error {
	receipt.Schema = invocationSchemaV1
	blob, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal invocation receipt: %w", err)
	}
	key := InvocationReceiptKey(receipt.PlatformRunID, receipt.RequestID)
	err = store.Create(ctx, key, blob, "application/json")
	if err != nil && !errors.Is(err, objectstore.ErrPathExists) {
		return err
	}
	return nil
}
