// Package sqlite backs the run ledger with an embedded file-based store.
// Timestamps are stored as RFC 3339 text; transitions use IMMEDIATE
// transactions so the read-modify-write per run key stays atomic.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/ledger"
)

type Store struct {
	db *sql.DB
}

// Open creates the store at the given database path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
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
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_ledger_events (
		event_id TEXT PRIMARY KEY,
		run_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		detail TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (run_key, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_run_ledger_status ON run_ledger(status);
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
		INSERT OR IGNORE INTO run_ledger (
			run_key, request_id, payload_sha256, intent_kind, platform_run_id,
			status, execution_mode, full_run_attempts, publish_retry_attempts,
			publish_pending_reason, last_error_code, last_error_message,
			result_ref, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
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
		formatTime(entry.CreatedAt),
		formatTime(entry.UpdatedAt),
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
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE run_key = ?`, runKey)
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
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE request_id = ?`, requestID)
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

	placeholders := make([]string, len(expect))
	args := []any{
		string(entry.Status),
		nullIfEmpty(string(entry.ExecutionMode)),
		entry.FullRunAttempts,
		entry.PublishRetryAttempts,
		nullIfEmpty(entry.PublishPendingReason),
		nullIfEmpty(entry.LastErrorCode),
		nullIfEmpty(entry.LastErrorMessage),
		nullIfEmpty(entry.ResultRef),
		formatTime(entry.UpdatedAt),
		entry.RunKey,
	}
	for i, status := range expect {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE run_ledger SET
			status = ?,
			execution_mode = ?,
			full_run_attempts = ?,
			publish_retry_attempts = ?,
			publish_pending_reason = ?,
			last_error_code = ?,
			last_error_message = ?,
			result_ref = ?,
			updated_at = ?
		WHERE run_key = ? AND status IN (%s)`, strings.Join(placeholders, ",")),
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
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM run_ledger WHERE run_key = ?`, entry.RunKey).Scan(&exists); err != nil {
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
		WHERE run_key = ?
		ORDER BY seq ASC`, runKey)
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.LedgerEvent, 0)
	for rows.Next() {
		var event domain.LedgerEvent
		var detail sql.NullString
		var createdAt string
		if err := rows.Scan(&event.EventID, &event.RunKey, &event.Seq, &event.EventType, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		event.Detail = detail.String
		event.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
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
	var createdAt, updatedAt string
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
		&createdAt,
		&updatedAt,
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
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.RunLedgerEntry{}, err
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.RunLedgerEntry{}, err
	}
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
		VALUES (?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM run_ledger_events WHERE run_key = ?),
			?, ?, ?)`,
		event.EventID,
		event.RunKey,
		event.RunKey,
		event.EventType,
		nullIfEmpty(event.Detail),
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
