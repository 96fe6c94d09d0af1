// Package worker sequences the dataset pipeline per queued request: submit,
// start, resolve (phases 3 to 6), publish (7), record the outcome. Safety
// across concurrent workers comes from the ledger's atomic per-run
// transitions and the object store's write-if-absent semantics, never from
// locking.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/buildplan"
	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/draft"
	"github.com/veritas-labs/datasmith-go/internal/labelasof"
	"github.com/veritas-labs/datasmith-go/internal/ledger"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
	"github.com/veritas-labs/datasmith-go/internal/publish"
	"github.com/veritas-labs/datasmith-go/internal/replaybasis"
)

// Worker drives the pipeline over one ledger and one object store.
type Worker struct {
	cfg    Config
	log    *slog.Logger
	ledger *ledger.Ledger
	store  objectstore.Store

	plans     *buildplan.Resolver
	replays   *replaybasis.Resolver
	labels    *labelasof.Resolver
	drafts    *draft.Builder
	publisher *publish.Publisher

	now func() time.Time
}

func New(cfg Config, log *slog.Logger, runLedger *ledger.Ledger, store objectstore.Store) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil || runLedger == nil || store == nil {
		return nil, errors.New("logger, ledger and store are required")
	}
	return &Worker{
		cfg:       cfg,
		log:       log,
		ledger:    runLedger,
		store:     store,
		plans:     buildplan.NewResolver(store, cfg.FeatureAuthorityKey),
		replays:   replaybasis.NewResolver(store),
		labels:    labelasof.NewResolver(store, labelasof.NewStoreTimeline(store)),
		drafts:    draft.NewBuilder(store),
		publisher: publish.NewPublisher(store),
		now:       time.Now,
	}, nil
}

// Ledger exposes the run ledger for read-only surfaces such as the status
// endpoint.
func (w *Worker) Ledger() *ledger.Ledger {
	return w.ledger
}

// Run polls for queued requests until the context is cancelled. With once
// set, a single sweep is performed and the method returns.
func (w *Worker) Run(ctx context.Context, once bool) error {
	for {
		if err := w.Sweep(ctx); err != nil {
			w.log.Error("job sweep failed", "error", err)
		}
		if once {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Sweep processes every unreceipted request document exactly once, in key
// order.
func (w *Worker) Sweep(ctx context.Context) error {
	keys, err := w.store.List(ctx, "jobs/")
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	receipts := make(map[string]struct{})
	for _, key := range keys {
		if strings.HasSuffix(key, "/receipt.json") {
			receipts[strings.TrimSuffix(key, "/receipt.json")] = struct{}{}
		}
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, "/request.json") {
			continue
		}
		if _, done := receipts[strings.TrimSuffix(key, "/request.json")]; done {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		blob, err := w.store.Get(ctx, key)
		if err != nil {
			w.log.Error("read job request failed", "key", key, "error", err)
			continue
		}
		var req JobRequest
		if err := json.Unmarshal(blob, &req); err != nil {
			w.log.Error("decode job request failed", "key", key, "error", err)
			continue
		}
		if err := w.Process(ctx, req); err != nil {
			w.log.Error("process request failed", "request_id", req.RequestID, "error", err)
		}
	}
	return nil
}

// Process handles one request end to end and writes its invocation receipt.
// Re-processing an already-receipted request is a no-op.
func (w *Worker) Process(ctx context.Context, req JobRequest) error {
	if w == nil || w.store == nil {
		return errors.New("worker not initialized")
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("job request: %w", err)
	}
	if _, err := w.store.Stat(ctx, InvocationReceiptKey(req.PlatformRunID, req.RequestID)); err == nil {
		w.log.Info("request already receipted", "request_id", req.RequestID)
		return nil
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}

	receipt := InvocationReceipt{
		RequestID:     req.RequestID,
		PlatformRunID: req.PlatformRunID,
		Command:       req.Command,
		StartedAt:     w.now().UTC(),
	}
	var runKey, resultRef string
	var runErr error
	switch req.Command {
	case CommandDatasetBuild:
		runKey, resultRef, runErr = w.processBuild(ctx, req)
	case CommandPublishRetry:
		runKey = req.RunKey
		resultRef, runErr = w.processPublishRetry(ctx, req)
	default:
		runErr = fmt.Errorf("unknown command %q", req.Command)
	}

	receipt.RunKey = runKey
	receipt.FinishedAt = w.now().UTC()
	if runErr == nil {
		receipt.Status = string(domain.RunStatusDone)
		receipt.ResultRef = resultRef
	} else {
		failure := domain.FailureFrom(runErr)
		receipt.Status = string(domain.RunStatusFailed)
		if failure.IsPublishTime() {
			receipt.Status = string(domain.RunStatusPublishPending)
		}
		receipt.Error = &ReceiptError{Code: string(failure.Code), Message: failure.Message}
		w.log.Warn("request did not complete",
			"request_id", req.RequestID, "run_key", runKey, "code", failure.Code, "detail", failure.Message)
	}
	if err := writeInvocationReceipt(ctx, w.store, receipt); err != nil {
		return err
	}
	return runErr
}

// processBuild runs the full pipeline for one intent. Resolution failures
// (phases 3 to 6) mark the run FAILED; publish-time failures park it in
// PUBLISH_PENDING for bounded retry.
func (w *Worker) processBuild(ctx context.Context, req JobRequest) (string, string, error) {
	entry, created, err := w.ledger.Submit(ctx, *req.Intent)
	if err != nil {
		return "", "", err
	}
	runKey := entry.RunKey
	if entry.Status.TerminalStatus() {
		w.log.Info("run already terminal", "run_key", runKey, "status", entry.Status)
		if entry.Status == domain.RunStatusDone {
			return runKey, entry.ResultRef, nil
		}
		return runKey, "", domain.Failf(domain.FailureCode(entry.LastErrorCode), "%s", entry.LastErrorMessage)
	}
	if !created {
		w.log.Info("duplicate submission accepted", "run_key", runKey, "request_id", req.RequestID)
	}

	if _, err := w.ledger.StartRun(ctx, runKey, domain.ModeFull); err != nil {
		return runKey, "", err
	}
	resultRef, err := w.executeFull(ctx, runKey, *req.Intent, req.PublishInputs)
	if err != nil {
		return runKey, "", w.routeFailure(ctx, runKey, err)
	}
	if err := w.ledger.MarkDone(ctx, runKey, resultRef); err != nil {
		return runKey, "", err
	}
	w.log.Info("run done", "run_key", runKey, "result_ref", resultRef)
	return runKey, resultRef, nil
}

// processPublishRetry re-executes only Phase 7 under the bounded retry budget.
func (w *Worker) processPublishRetry(ctx context.Context, req JobRequest) (string, error) {
	runKey := strings.TrimSpace(req.RunKey)
	decision, err := w.ledger.RequestPublishRetry(ctx, runKey, w.cfg.MaxPublishRetries)
	if err != nil {
		return "", err
	}
	switch decision {
	case ledger.RetryExhausted:
		return "", domain.Failf(domain.CodePublishRetryExhausted,
			"run %s exceeded %d publish retries", runKey, w.cfg.MaxPublishRetries)
	case ledger.RetryNotPending:
		return "", domain.Failf(domain.CodeLedgerTransitionInvalid,
			"run %s is not awaiting publish retry", runKey)
	}

	entry, err := w.ledger.StartRun(ctx, runKey, domain.ModePublishOnly)
	if err != nil {
		return "", err
	}
	intent, err := w.loadIntent(ctx, req.PlatformRunID, entry.RequestID)
	if err != nil {
		return "", err
	}
	resultRef, err := w.executePublishOnly(ctx, runKey, intent, req.PublishInputs)
	if err != nil {
		return "", w.routeFailure(ctx, runKey, err)
	}
	if err := w.ledger.MarkDone(ctx, runKey, resultRef); err != nil {
		return "", err
	}
	w.log.Info("publish retry done", "run_key", runKey, "result_ref", resultRef)
	return resultRef, nil
}

// routeFailure applies the failure-routing rule: publish-time violations park
// the run, everything else fails it.
func (w *Worker) routeFailure(ctx context.Context, runKey string, runErr error) error {
	failure := domain.FailureFrom(runErr)
	if failure.IsPublishTime() {
		if err := w.ledger.MarkPublishPending(ctx, runKey, failure.Error()); err != nil {
			w.log.Error("mark publish pending failed", "run_key", runKey, "error", err)
		}
		return failure
	}
	if err := w.ledger.MarkFailed(ctx, runKey, failure.Code, failure.Message); err != nil {
		w.log.Error("mark failed failed", "run_key", runKey, "error", err)
	}
	return failure
}

// executeFull runs phases 3 to 7 in order. Panics are converted into typed
// internal failures at this boundary so the ledger always records an outcome.
func (w *Worker) executeFull(ctx context.Context, runKey string, intent domain.BuildIntent, inputs *PublishInputs) (resultRef string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Failf(domain.CodeInternal, "pipeline panic: %v", r)
		}
	}()

	plan, err := w.plans.Resolve(ctx, runKey, intent)
	if err != nil {
		return "", err
	}
	observations, err := w.loadObservations(ctx, intent)
	if err != nil {
		return "", err
	}
	replayReceipt, err := w.replays.Resolve(ctx, runKey, intent, observations)
	if err != nil {
		return "", err
	}
	if err := replaybasis.EnforceTrainingGate(intent, replayReceipt); err != nil {
		return "", err
	}

	events, err := w.loadEvents(ctx, intent)
	if err != nil {
		return "", err
	}
	labelReceipt, err := w.labels.Resolve(ctx, runKey, intent, labelSubjects(intent.PlatformRunID, events))
	if err != nil {
		return "", err
	}
	if err := labelasof.EnforceTrainingGate(intent, labelReceipt); err != nil {
		return "", err
	}

	builtDraft, err := w.drafts.Build(ctx, runKey, intent, plan.FeatureProfile, events, &replayReceipt, &labelReceipt)
	if err != nil {
		return "", err
	}
	return w.publishDraft(ctx, runKey, intent, builtDraft, replayReceipt, &labelReceipt, inputs)
}

// executePublishOnly reloads the recorded phase outputs and re-attempts
// Phase 7 alone.
func (w *Worker) executePublishOnly(ctx context.Context, runKey string, intent domain.BuildIntent, inputs *PublishInputs) (resultRef string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Failf(domain.CodeInternal, "pipeline panic: %v", r)
		}
	}()

	var recordedDraft domain.DatasetDraft
	if err := w.loadJSON(ctx, draft.DraftKey(runKey), &recordedDraft); err != nil {
		return "", err
	}
	var replayReceipt domain.ReplayCompletenessReceipt
	if err := w.loadJSON(ctx, replaybasis.ReceiptKey(runKey), &replayReceipt); err != nil {
		return "", err
	}
	var labelReceipt *domain.LabelResolutionReceipt
	var recorded domain.LabelResolutionReceipt
	err = w.loadJSON(ctx, labelasof.ReceiptKey(runKey), &recorded)
	switch {
	case err == nil:
		labelReceipt = &recorded
	case errors.Is(err, objectstore.ErrNotFound):
	default:
		return "", err
	}
	return w.publishDraft(ctx, runKey, intent, recordedDraft, replayReceipt, labelReceipt, inputs)
}

func (w *Worker) publishDraft(ctx context.Context, runKey string, intent domain.BuildIntent, builtDraft domain.DatasetDraft, replayReceipt domain.ReplayCompletenessReceipt, labelReceipt *domain.LabelResolutionReceipt, inputs *PublishInputs) (string, error) {
	pubReq := publish.Request{
		RunKey: runKey,
		Intent: intent,
		Draft:  builtDraft,
		Replay: replayReceipt,
		Label:  labelReceipt,
		EvidenceRefs: []string{
			buildplan.PlanKey(runKey),
			replaybasis.ReceiptKey(runKey),
			draft.DraftKey(runKey),
		},
	}
	if labelReceipt != nil {
		pubReq.EvidenceRefs = append(pubReq.EvidenceRefs, labelasof.ReceiptKey(runKey))
	}
	if inputs != nil {
		pubReq.SupersededManifests = inputs.SupersededManifests
		pubReq.BackfillReason = inputs.BackfillReason
		pubReq.EvidenceRefs = append(pubReq.EvidenceRefs, inputs.EvidenceRefs...)
	}
	receipt, err := w.publisher.Publish(ctx, pubReq)
	if err != nil {
		return "", err
	}
	w.log.Info("manifest published",
		"run_key", runKey, "dataset_manifest_id", receipt.DatasetManifestID, "mode", receipt.Mode)
	return publish.ReceiptKey(runKey), nil
}

// loadIntent reads the original build request back to recover the intent for
// a publish-only run.
func (w *Worker) loadIntent(ctx context.Context, platformRunID, requestID string) (domain.BuildIntent, error) {
	var original JobRequest
	if err := w.loadJSON(ctx, RequestKey(platformRunID, requestID), &original); err != nil {
		return domain.BuildIntent{}, fmt.Errorf("load original request %s: %w", requestID, err)
	}
	if original.Intent == nil {
		return domain.BuildIntent{}, fmt.Errorf("original request %s carries no intent", requestID)
	}
	return *original.Intent, nil
}

func (w *Worker) loadJSON(ctx context.Context, key string, target any) error {
	blob, err := w.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, target); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
