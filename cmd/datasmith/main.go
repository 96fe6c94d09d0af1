package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/httpapi"
	"github.com/veritas-labs/datasmith-go/internal/ledger"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
	"github.com/veritas-labs/datasmith-go/internal/platform/httpserver"
	"github.com/veritas-labs/datasmith-go/internal/worker"
)

const usage = `usage: datasmith <command> [flags]

commands:
  run                    poll and process queued requests
  enqueue-build          write a dataset_build request document
  enqueue-publish-retry  write a publish_retry request document
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		logger.Error("datasmith exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("a command is required")
	}

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	store, err := objectstore.Open(ctx, cfg.StoreLocator)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	switch args[0] {
	case "run":
		return runWorker(ctx, logger, cfg, store, args[1:])
	case "enqueue-build":
		return enqueueBuild(ctx, logger, store, args[1:])
	case "enqueue-publish-retry":
		return enqueuePublishRetry(ctx, logger, store, args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, cfg worker.Config, store objectstore.Store, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	once := fs.Bool("once", false, "perform a single sweep and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ledgerStore, closeLedger, err := worker.OpenLedgerStore(ctx, cfg.LedgerLocator)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger(); err != nil {
			logger.Error("close ledger store", "error", err)
		}
	}()

	runLedger := ledger.New(ledgerStore)
	w, err := worker.New(cfg, logger, runLedger, store)
	if err != nil {
		return err
	}

	if cfg.HTTPAddr != "" && !*once {
		handler := httpapi.NewHandler(logger, runLedger, store)
		go func() {
			err := httpserver.Run(ctx, logger, httpserver.Config{
				Service: "datasmith",
				Addr:    cfg.HTTPAddr,
			}, handler)
			if err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	logger.Info("worker starting",
		"ledger_locator", cfg.LedgerLocator,
		"store_locator", cfg.StoreLocator,
		"poll_interval", cfg.PollInterval,
		"once", *once)
	err = w.Run(ctx, *once)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func enqueueBuild(ctx context.Context, logger *slog.Logger, store objectstore.Store, args []string) error {
	fs := flag.NewFlagSet("enqueue-build", flag.ContinueOnError)
	intentFile := fs.String("intent-file", "", "path to the build intent JSON document")
	requestID := fs.String("request-id", "", "request id, defaults to the intent's request_id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *intentFile == "" {
		return errors.New("--intent-file is required")
	}

	blob, err := os.ReadFile(*intentFile)
	if err != nil {
		return fmt.Errorf("read intent file: %w", err)
	}
	var intent domain.BuildIntent
	if err := json.Unmarshal(blob, &intent); err != nil {
		return fmt.Errorf("decode intent: %w", err)
	}
	if strings.TrimSpace(*requestID) != "" {
		intent.RequestID = strings.TrimSpace(*requestID)
	}
	if err := intent.Validate(); err != nil {
		return fmt.Errorf("intent: %w", err)
	}

	req := worker.JobRequest{
		RequestID:     intent.RequestID,
		Command:       worker.CommandDatasetBuild,
		PlatformRunID: intent.PlatformRunID,
		Intent:        &intent,
	}
	if err := worker.Enqueue(ctx, store, req); err != nil {
		return err
	}
	logger.Info("build request enqueued", "request_id", req.RequestID, "platform_run_id", req.PlatformRunID)
	return nil
}

func enqueuePublishRetry(ctx context.Context, logger *slog.Logger, store objectstore.Store, args []string) error {
	fs := flag.NewFlagSet("enqueue-publish-retry", flag.ContinueOnError)
	runKey := fs.String("run-key", "", "run key of the PUBLISH_PENDING run")
	platformRunID := fs.String("platform-run-id", "", "platform run id of the original build")
	requestID := fs.String("request-id", "", "request id, generated when omitted")
	reason := fs.String("backfill-reason", "", "backfill reason when superseding prior manifests")
	supersedes := fs.String("supersedes", "", "comma-separated manifest ids this publish supersedes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runKey == "" {
		return errors.New("--run-key is required")
	}
	if *platformRunID == "" {
		return errors.New("--platform-run-id is required")
	}
	id := strings.TrimSpace(*requestID)
	if id == "" {
		id = uuid.NewString()
	}

	req := worker.JobRequest{
		RequestID:     id,
		Command:       worker.CommandPublishRetry,
		PlatformRunID: strings.TrimSpace(*platformRunID),
		RunKey:        strings.TrimSpace(*runKey),
	}
	if *supersedes != "" || *reason != "" {
		inputs := &worker.PublishInputs{BackfillReason: strings.TrimSpace(*reason)}
		for _, id := range strings.Split(*supersedes, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				inputs.SupersededManifests = append(inputs.SupersededManifests, id)
			}
		}
		req.PublishInputs = inputs
	}
	if err := worker.Enqueue(ctx, store, req); err != nil {
		return err
	}
	logger.Info("publish retry enqueued", "request_id", id, "run_key", req.RunKey)
	return nil
}
