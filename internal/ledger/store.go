package ledger

import (
	"context"
	"errors"

	"github.com/veritas-labs/datasmith-go/internal/domain"
)

var (
	// ErrNotFound is returned when no ledger row exists for a key.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrAlreadyExists is returned when inserting a duplicate run key or request id.
	ErrAlreadyExists = errors.New("ledger entry already exists")
	// ErrStaleState is returned when a guarded update found the row in a
	// different status than expected.
	ErrStaleState = errors.New("ledger entry state changed concurrently")
)

// Store is the durable backend for the run ledger. Every mutation is an
// atomic read-modify-write on one run key: the row change and the appended
// event commit in a single transaction. Two implementations exist, an
// embedded SQLite store and a Postgres store, selected by connection locator.
type Store interface {
	// Insert creates the row and its first event; ErrAlreadyExists when the
	// run key or request id is already present.
	Insert(ctx context.Context, entry domain.RunLedgerEntry, event domain.LedgerEvent) error
	Get(ctx context.Context, runKey string) (domain.RunLedgerEntry, error)
	GetByRequestID(ctx context.Context, requestID string) (domain.RunLedgerEntry, error)
	// UpdateIf replaces the row only while its status is one of expect, and
	// appends the event with the next sequence number in the same
	// transaction; ErrStaleState when the guard misses.
	UpdateIf(ctx context.Context, entry domain.RunLedgerEntry, expect []domain.RunStatus, event domain.LedgerEvent) error
	// AppendEvent records an audit event without mutating the row.
	AppendEvent(ctx context.Context, event domain.LedgerEvent) error
	// History returns the full ordered event log for a run key.
	History(ctx context.Context, runKey string) ([]domain.LedgerEvent, error)
}
