package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the durable lifecycle state of one build request.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "QUEUED"
	RunStatusRunning        RunStatus = "RUNNING"
	RunStatusDone           RunStatus = "DONE"
	RunStatusFailed         RunStatus = "FAILED"
	RunStatusPublishPending RunStatus = "PUBLISH_PENDING"
)

// ExecutionMode distinguishes a full pipeline pass from a publish-only retry.
type ExecutionMode string

const (
	ModeFull        ExecutionMode = "FULL"
	ModePublishOnly ExecutionMode = "PUBLISH_ONLY"
)

// Ledger event types, one per state machine transition.
const (
	EventIntentQueued       = "INTENT_QUEUED"
	EventRunStarted         = "RUN_STARTED"
	EventPublishPending     = "PUBLISH_PENDING"
	EventPublishRetry       = "PUBLISH_RETRY_REQUESTED"
	EventRunDone            = "RUN_DONE"
	EventRunFailed          = "RUN_FAILED"
	EventDuplicateSubmitted = "DUPLICATE_SUBMISSION"
)

// RunLedgerEntry is the single durable row tracking one build request.
type RunLedgerEntry struct {
	RunKey               string
	RequestID            string
	PayloadSHA256        string
	IntentKind           IntentKind
	PlatformRunID        string
	Status               RunStatus
	ExecutionMode        ExecutionMode
	FullRunAttempts      int
	PublishRetryAttempts int
	PublishPendingReason string
	LastErrorCode        string
	LastErrorMessage     string
	ResultRef            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (e RunLedgerEntry) Validate() error {
	if strings.TrimSpace(e.RunKey) == "" {
		return errors.New("run key is required")
	}
	if strings.TrimSpace(e.RequestID) == "" {
		return errors.New("request id is required")
	}
	if strings.TrimSpace(e.PayloadSHA256) == "" {
		return errors.New("payload sha256 is required")
	}
	if e.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// LedgerEvent is one append-only, monotonically sequenced transition record.
type LedgerEvent struct {
	EventID   string    `json:"event_id"`
	RunKey    string    `json:"run_key"`
	Seq       int64     `json:"seq"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TerminalStatus reports whether no further full-run transitions are possible.
func (s RunStatus) TerminalStatus() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

// CanTransitionRunStatus is the full transition relation of the run ledger.
// Self transitions are allowed only where the state machine treats re-entry
// as an idempotent no-op.
func CanTransitionRunStatus(current, next RunStatus) bool {
	switch current {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusDone || next == RunStatusFailed || next == RunStatusPublishPending
	case RunStatusPublishPending:
		return next == RunStatusRunning || next == RunStatusFailed || next == RunStatusPublishPending
	case RunStatusDone, RunStatusFailed:
		return next == current
	default:
		return false
	}
}
