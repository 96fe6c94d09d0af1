// Package ledger implements the durable run-ledger state machine: one row per
// build request, an append-only event log per run key, and idempotent
// transitions between QUEUED, RUNNING, DONE, FAILED and PUBLISH_PENDING.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/identity"
)

// RetryDecision is the outcome of a bounded publish-retry request.
type RetryDecision string

const (
	RetryAllowed    RetryDecision = "ALLOWED"
	RetryExhausted  RetryDecision = "EXHAUSTED"
	RetryNotPending RetryDecision = "NOT_PENDING"
)

// Ledger drives the run state machine over a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	if store == nil {
		return nil
	}
	return &Ledger{store: store, now: time.Now}
}

// Submit registers a build intent. A first submission inserts a QUEUED row; a
// re-submission with the identical canonical payload returns the existing row
// untouched; a re-submission with a different payload under the same request
// id is a contract violation.
func (l *Ledger) Submit(ctx context.Context, intent domain.BuildIntent) (domain.RunLedgerEntry, bool, error) {
	if l == nil || l.store == nil {
		return domain.RunLedgerEntry{}, false, errors.New("ledger not initialized")
	}
	if err := intent.Validate(); err != nil {
		return domain.RunLedgerEntry{}, false, fmt.Errorf("invalid intent: %w", err)
	}
	canon := intent.Canonical()
	runKey, err := identity.RunKey(canon.RequestID)
	if err != nil {
		return domain.RunLedgerEntry{}, false, err
	}
	payloadSHA, err := identity.IntentPayloadSHA256(canon)
	if err != nil {
		return domain.RunLedgerEntry{}, false, err
	}

	existing, err := l.store.GetByRequestID(ctx, canon.RequestID)
	switch {
	case err == nil:
		return l.resolveDuplicate(ctx, existing, payloadSHA)
	case errors.Is(err, ErrNotFound):
	default:
		return domain.RunLedgerEntry{}, false, err
	}

	now := l.now().UTC()
	entry := domain.RunLedgerEntry{
		RunKey:        runKey,
		RequestID:     canon.RequestID,
		PayloadSHA256: payloadSHA,
		IntentKind:    canon.IntentKind,
		PlatformRunID: canon.PlatformRunID,
		Status:        domain.RunStatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = l.store.Insert(ctx, entry, l.event(runKey, domain.EventIntentQueued, "request_id="+canon.RequestID))
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a submission race; the surviving row decides.
		existing, getErr := l.store.GetByRequestID(ctx, canon.RequestID)
		if getErr != nil {
			return domain.RunLedgerEntry{}, false, getErr
		}
		return l.resolveDuplicate(ctx, existing, payloadSHA)
	}
	if err != nil {
		return domain.RunLedgerEntry{}, false, err
	}
	return entry, true, nil
}

func (l *Ledger) resolveDuplicate(ctx context.Context, existing domain.RunLedgerEntry, payloadSHA string) (domain.RunLedgerEntry, bool, error) {
	if existing.PayloadSHA256 != payloadSHA {
		return domain.RunLedgerEntry{}, false, domain.Failf(domain.CodeRequestIDPayloadMismatch,
			"request %s resubmitted with a different payload", existing.RequestID)
	}
	if err := l.store.AppendEvent(ctx, l.event(existing.RunKey, domain.EventDuplicateSubmitted, "")); err != nil {
		return domain.RunLedgerEntry{}, false, err
	}
	return existing, false, nil
}

// StartRun transitions QUEUED to RUNNING(FULL), or PUBLISH_PENDING to
// RUNNING(PUBLISH_ONLY). An already-running entry in the requested mode is an
// idempotent no-op.
func (l *Ledger) StartRun(ctx context.Context, runKey string, mode domain.ExecutionMode) (domain.RunLedgerEntry, error) {
	if l == nil || l.store == nil {
		return domain.RunLedgerEntry{}, errors.New("ledger not initialized")
	}
	entry, err := l.store.Get(ctx, runKey)
	if err != nil {
		return domain.RunLedgerEntry{}, err
	}
	if entry.Status == domain.RunStatusRunning && entry.ExecutionMode == mode {
		return entry, nil
	}

	var expect domain.RunStatus
	switch mode {
	case domain.ModeFull:
		expect = domain.RunStatusQueued
	case domain.ModePublishOnly:
		expect = domain.RunStatusPublishPending
	default:
		return domain.RunLedgerEntry{}, fmt.Errorf("unknown execution mode %q", mode)
	}
	if entry.Status != expect {
		return domain.RunLedgerEntry{}, domain.Failf(domain.CodeLedgerTransitionInvalid,
			"cannot start %s run from %s", mode, entry.Status)
	}

	next := entry
	next.Status = domain.RunStatusRunning
	next.ExecutionMode = mode
	next.PublishPendingReason = ""
	if mode == domain.ModeFull {
		next.FullRunAttempts++
	}
	next.UpdatedAt = l.now().UTC()
	err = l.store.UpdateIf(ctx, next, []domain.RunStatus{expect},
		l.event(runKey, domain.EventRunStarted, "mode="+string(mode)))
	if errors.Is(err, ErrStaleState) {
		latest, getErr := l.store.Get(ctx, runKey)
		if getErr != nil {
			return domain.RunLedgerEntry{}, getErr
		}
		if latest.Status == domain.RunStatusRunning && latest.ExecutionMode == mode {
			return latest, nil
		}
		return domain.RunLedgerEntry{}, domain.Failf(domain.CodeLedgerTransitionInvalid,
			"cannot start %s run from %s", mode, latest.Status)
	}
	if err != nil {
		return domain.RunLedgerEntry{}, err
	}
	return next, nil
}

// MarkPublishPending parks a RUNNING run for bounded operator-triggered retry.
// Re-entry with the same reason is a no-op.
func (l *Ledger) MarkPublishPending(ctx context.Context, runKey string, reason string) error {
	if l == nil || l.store == nil {
		return errors.New("ledger not initialized")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errors.New("publish pending reason is required")
	}
	entry, err := l.store.Get(ctx, runKey)
	if err != nil {
		return err
	}
	if entry.Status == domain.RunStatusPublishPending && entry.PublishPendingReason == reason {
		return nil
	}
	if entry.Status != domain.RunStatusRunning {
		return domain.Failf(domain.CodeLedgerTransitionInvalid,
			"cannot mark publish pending from %s", entry.Status)
	}
	next := entry
	next.Status = domain.RunStatusPublishPending
	next.PublishPendingReason = reason
	next.UpdatedAt = l.now().UTC()
	return l.store.UpdateIf(ctx, next, []domain.RunStatus{domain.RunStatusRunning},
		l.event(runKey, domain.EventPublishPending, reason))
}

// RequestPublishRetry enforces the bounded retry budget for publish-only
// re-execution. It never moves the run out of PUBLISH_PENDING itself.
func (l *Ledger) RequestPublishRetry(ctx context.Context, runKey string, maxAttempts int) (RetryDecision, error) {
	if l == nil || l.store == nil {
		return "", errors.New("ledger not initialized")
	}
	if maxAttempts < 1 {
		return "", errors.New("max attempts must be >= 1")
	}
	entry, err := l.store.Get(ctx, runKey)
	if err != nil {
		return "", err
	}
	if entry.Status != domain.RunStatusPublishPending {
		return RetryNotPending, nil
	}
	if entry.PublishRetryAttempts >= maxAttempts {
		if err := l.store.AppendEvent(ctx, l.event(runKey, domain.EventPublishRetry,
			fmt.Sprintf("exhausted attempts=%d max=%d", entry.PublishRetryAttempts, maxAttempts))); err != nil {
			return "", err
		}
		return RetryExhausted, nil
	}
	next := entry
	next.PublishRetryAttempts++
	next.UpdatedAt = l.now().UTC()
	err = l.store.UpdateIf(ctx, next, []domain.RunStatus{domain.RunStatusPublishPending},
		l.event(runKey, domain.EventPublishRetry, fmt.Sprintf("attempt=%d", next.PublishRetryAttempts)))
	if errors.Is(err, ErrStaleState) {
		return RetryNotPending, nil
	}
	if err != nil {
		return "", err
	}
	return RetryAllowed, nil
}

// MarkDone records the terminal success state. Re-entry with the same result
// ref is a no-op.
func (l *Ledger) MarkDone(ctx context.Context, runKey string, resultRef string) error {
	if l == nil || l.store == nil {
		return errors.New("ledger not initialized")
	}
	resultRef = strings.TrimSpace(resultRef)
	entry, err := l.store.Get(ctx, runKey)
	if err != nil {
		return err
	}
	if entry.Status == domain.RunStatusDone && entry.ResultRef == resultRef {
		return nil
	}
	if entry.Status != domain.RunStatusRunning {
		return domain.Failf(domain.CodeLedgerTransitionInvalid, "cannot mark done from %s", entry.Status)
	}
	next := entry
	next.Status = domain.RunStatusDone
	next.ResultRef = resultRef
	next.LastErrorCode = ""
	next.LastErrorMessage = ""
	next.UpdatedAt = l.now().UTC()
	return l.store.UpdateIf(ctx, next, []domain.RunStatus{domain.RunStatusRunning},
		l.event(runKey, domain.EventRunDone, resultRef))
}

// MarkFailed records the terminal failure state. Re-entry with the same code
// is a no-op.
func (l *Ledger) MarkFailed(ctx context.Context, runKey string, code domain.FailureCode, message string) error {
	if l == nil || l.store == nil {
		return errors.New("ledger not initialized")
	}
	entry, err := l.store.Get(ctx, runKey)
	if err != nil {
		return err
	}
	if entry.Status == domain.RunStatusFailed && entry.LastErrorCode == string(code) {
		return nil
	}
	from := []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusQueued, domain.RunStatusPublishPending}
	allowed := false
	for _, s := range from {
		if entry.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Failf(domain.CodeLedgerTransitionInvalid, "cannot mark failed from %s", entry.Status)
	}
	next := entry
	next.Status = domain.RunStatusFailed
	next.LastErrorCode = string(code)
	next.LastErrorMessage = strings.TrimSpace(message)
	next.UpdatedAt = l.now().UTC()
	return l.store.UpdateIf(ctx, next, from,
		l.event(runKey, domain.EventRunFailed, fmt.Sprintf("%s: %s", code, strings.TrimSpace(message))))
}

// Get returns the current ledger row for a run key.
func (l *Ledger) Get(ctx context.Context, runKey string) (domain.RunLedgerEntry, error) {
	if l == nil || l.store == nil {
		return domain.RunLedgerEntry{}, errors.New("ledger not initialized")
	}
	return l.store.Get(ctx, runKey)
}

// History replays the full ordered event log for audit.
func (l *Ledger) History(ctx context.Context, runKey string) ([]domain.LedgerEvent, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("ledger not initialized")
	}
	return l.store.History(ctx, runKey)
}

func (l *Ledger) event(runKey, eventType, detail string) domain.LedgerEvent {
	return domain.LedgerEvent{
		EventID:   uuid.NewString(),
		RunKey:    runKey,
		EventType: eventType,
		Detail:    detail,
		CreatedAt: l.now().UTC(),
	}
}
