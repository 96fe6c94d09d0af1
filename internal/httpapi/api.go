// Package httpapi exposes the read-only status surface of the worker:
// health, readiness and per-run ledger state.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/ledger"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
	"github.com/veritas-labs/datasmith-go/internal/platform/httpserver"
)

const service = "datasmith"

type runView struct {
	RunKey               string               `json:"run_key"`
	RequestID            string               `json:"request_id"`
	IntentKind           domain.IntentKind    `json:"intent_kind"`
	PlatformRunID        string               `json:"platform_run_id"`
	Status               domain.RunStatus     `json:"status"`
	ExecutionMode        domain.ExecutionMode `json:"execution_mode,omitempty"`
	FullRunAttempts      int                  `json:"full_run_attempts"`
	PublishRetryAttempts int                  `json:"publish_retry_attempts"`
	PublishPendingReason string               `json:"publish_pending_reason,omitempty"`
	LastErrorCode        string               `json:"last_error_code,omitempty"`
	LastErrorMessage     string               `json:"last_error_message,omitempty"`
	ResultRef            string               `json:"result_ref,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
	History              []domain.LedgerEvent `json:"history,omitempty"`
}

// NewHandler builds the status mux. The store readiness check stats a fixed
// probe key; only transport failures count as not ready.
func NewHandler(logger *slog.Logger, runLedger *ledger.Ledger, store objectstore.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(service,
		httpserver.ReadinessCheck{Name: "object_store", Check: storeCheck(store)},
		httpserver.ReadinessCheck{Name: "run_ledger", Check: ledgerCheck(runLedger)},
	))
	mux.HandleFunc("GET /v1/runs/{run_key}", getRun(runLedger))
	return httpserver.Wrap(logger, service, mux)
}

func getRun(runLedger *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runKey := strings.TrimSpace(r.PathValue("run_key"))
		if runKey == "" {
			httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "run_key is required"})
			return
		}
		entry, err := runLedger.Get(r.Context(), runKey)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
				return
			}
			httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		view := runView{
			RunKey:               entry.RunKey,
			RequestID:            entry.RequestID,
			IntentKind:           entry.IntentKind,
			PlatformRunID:        entry.PlatformRunID,
			Status:               entry.Status,
			ExecutionMode:        entry.ExecutionMode,
			FullRunAttempts:      entry.FullRunAttempts,
			PublishRetryAttempts: entry.PublishRetryAttempts,
			PublishPendingReason: entry.PublishPendingReason,
			LastErrorCode:        entry.LastErrorCode,
			LastErrorMessage:     entry.LastErrorMessage,
			ResultRef:            entry.ResultRef,
			CreatedAt:            entry.CreatedAt,
			UpdatedAt:            entry.UpdatedAt,
		}
		if r.URL.Query().Get("history") == "true" {
			history, err := runLedger.History(r.Context(), runKey)
			if err != nil {
				httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			view.History = history
		}
		httpserver.WriteJSON(w, http.StatusOK, view)
	}
}

func storeCheck(store objectstore.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.Stat(ctx, "readyz-probe")
		if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return err
		}
		return nil
	}
}

func ledgerCheck(runLedger *ledger.Ledger) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := runLedger.Get(ctx, "readyz-probe")
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		return nil
	}
}
