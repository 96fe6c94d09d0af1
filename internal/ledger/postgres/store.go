// Package postgres backs the run ledger with a client-server relational
// store. Every transition commits the row change and its event in one
// transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// Migrate creates the ledger tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("ledger store not initialized")
	}
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS run_ledger (
		run_key TEXT PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		payload_sha256 TEXT NOT NULL,
		intent_kind TEXT NOT NULL,
		platform_run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_mode TEXT,
		full_run_attempts INTEGER NOT NULL DEFAULT 0,
		publish_retry_attempts INTEGER NOT NULL DEFAULT 0,
		publish_pending_reason TEXT,
		last_error_code TEXT,
		last_error_message TEXT,
		result_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_ledger_events (
		event_id TEXT PRIMARY KEY,
		run_key TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		detail TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (run_key, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_run_ledger_status ON run_ledger(status);
	CREATE INDEX IF NOT EXISTS idx_run_ledger_events_run ON run_ledger_events(run_key, seq);
	`)
	if err != nil {
		return fmt.Errorf("migrate run ledger: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, entry domain.RunLedgerEntry, event domain.LedgerEvent) error {
	if s == nil || s.db == nil {
		return errors.New("ledger store not initialized")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO run_ledger (
			run_key, request_id, payload_sha256, intent_kind, platform_run_id,
			status, execution_mode, full_run_attempts, publish_retry_attempts,
			publish_pending_reason, last_error_code, last_error_message,
			result_ref, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT DO NOTHING`,
		entry.RunKey,
		entry.RequestID,
		entry.PayloadSHA256,
		string(entry.IntentKind),
		entry.PlatformRunID,
		string(entry.Status),
		nullIfEmpty(string(entry.ExecutionMode)),
		entry.FullRunAttempts,
		entry.PublishRetryAttempts,
		nullIfEmpty(entry.PublishPendingReason),
		nullIfEmpty(entry.LastErrorCode),
		nullIfEmpty(entry.LastErrorMessage),
		nullIfEmpty(entry.ResultRef),
		entry.CreatedAt.UTC(),
		entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if rows == 0 {
		return ledger.ErrAlreadyExists
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, runKey string) (domain.RunLedgerEntry, error) {
	if s == nil || s.db == nil {
		return domain.RunLedgerEntry{}, errors.New("ledger store not initialized")
	}
	runKey = strings.TrimSpace(runKey)
	if runKey == "" {
		return domain.RunLedgerEntry{}, errors.New("run key is required")
	}
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE run_key = $1`, runKey)
	return scanEntry(row)
}

func (s *Store) GetByRequestID(ctx context.Context, requestID string) (domain.RunLedgerEntry, error) {
	if s == nil || s.db == nil {
		return domain.RunLedgerEntry{}, errors.New("ledger store not initialized")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.RunLedgerEntry{}, errors.New("request id is required")
	}
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE request_id = $1`, requestID)
	return scanEntry(row)
}

func (s *Store) UpdateIf(ctx context.Context, entry domain.RunLedgerEntry, expect []domain.RunStatus, event domain.LedgerEvent) error {
	if s == nil || s.db == nil {
		return errors.New("ledger store not initialized")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if len(expect) == 0 {
		return errors.New("expected statuses are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, 0, len(expect))
	args := []any{
		string(entry.Status),
		nullIfEmpty(string(entry.ExecutionMode)),
		entry.FullRunAttempts,
		entry.PublishRetryAttempts,
		nullIfEmpty(entry.PublishPendingReason),
		nullIfEmpty(entry.LastErrorCode),
		nullIfEmpty(entry.LastErrorMessage),
		nullIfEmpty(entry.ResultRef),
		entry.UpdatedAt.UTC(),
		entry.RunKey,
	}
	for _, status := range expect {
		args = append(args, string(status))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE run_ledger SET
			status = $1,
			execution_mode = $2,
			full_run_attempts = $3,
			publish_retry_attempts = $4,
			publish_pending_reason = $5,
			last_error_code = $6,
			last_error_message = $7,
			result_ref = $8,
			updated_at = $9
		WHERE run_key = $10 AND status IN (%s)`, strings.Join(placeholders, ",")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	if rows == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM run_ledger WHERE run_key = $1`, entry.RunKey).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.ErrNotFound
			}
			return err
		}
		return ledger.ErrStaleState
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event domain.LedgerEvent) error {
	if s == nil || s.db == nil {
		return errors.New("ledger store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, runKey string) ([]domain.LedgerEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger store not initialized")
	}
	runKey = strings.TrimSpace(runKey)
	if runKey == "" {
		return nil, errors.New("run key is required")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_key, seq, event_type, detail, created_at
		FROM run_ledger_events
		WHERE run_key = $1
		ORDER BY seq ASC`, runKey)
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.LedgerEvent, 0)
	for rows.Next() {
		var event domain.LedgerEvent
		var detail sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunKey, &event.Seq, &event.EventType, &detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		event.Detail = detail.String
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	return events, nil
}

const selectEntry = `
	SELECT run_key, request_id, payload_sha256, intent_kind, platform_run_id,
		status, execution_mode, full_run_attempts, publish_retry_attempts,
		publish_pending_reason, last_error_code, last_error_message,
		result_ref, created_at, updated_at
	FROM run_ledger`

func scanEntry(row *sql.Row) (domain.RunLedgerEntry, error) {
	var entry domain.RunLedgerEntry
	var intentKind, status string
	var executionMode sql.NullString
	var pendingReason sql.NullString
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var resultRef sql.NullString
	err := row.Scan(
		&entry.RunKey,
		&entry.RequestID,
		&entry.PayloadSHA256,
		&intentKind,
		&entry.PlatformRunID,
		&status,
		&executionMode,
		&entry.FullRunAttempts,
		&entry.PublishRetryAttempts,
		&pendingReason,
		&errorCode,
		&errorMessage,
		&resultRef,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunLedgerEntry{}, ledger.ErrNotFound
		}
		return domain.RunLedgerEntry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	entry.IntentKind = domain.IntentKind(intentKind)
	entry.Status = domain.RunStatus(status)
	entry.ExecutionMode = domain.ExecutionMode(executionMode.String)
	entry.PublishPendingReason = pendingReason.String
	entry.LastErrorCode = errorCode.String
	entry.LastErrorMessage = errorMessage.String
	entry.ResultRef = resultRef.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return entry, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event domain.LedgerEvent) error {
	if strings.TrimSpace(event.EventID) == "" {
		return errors.New("event id is required")
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_ledger_events (event_id, run_key, seq, event_type, detail, created_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM run_ledger_events WHERE run_key = $2),
			$3, $4, $5)`,
		event.EventID,
		event.RunKey,
		event.EventType,
		nullIfEmpty(event.Detail),
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
