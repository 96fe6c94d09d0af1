package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/platform/env"
)

// Config is the immutable worker configuration, constructed once at process
// start and passed into every component constructor.
type Config struct {
	// LedgerLocator selects the run ledger backend, postgres://... or
	// sqlite:///path/to/ledger.db.
	LedgerLocator string
	// StoreLocator selects the object store backend, s3://bucket or
	// file:///path/to/root.
	StoreLocator string
	// FeatureAuthorityKey is the object store key of the feature authority
	// document.
	FeatureAuthorityKey string
	// PollInterval is the sleep between job sweeps.
	PollInterval time.Duration
	// MaxPublishRetries bounds publish-only re-execution per run.
	MaxPublishRetries int
	// HTTPAddr is the status endpoint bind address, empty to disable.
	HTTPAddr string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		LedgerLocator:       env.String("DATASMITH_LEDGER_LOCATOR", "sqlite://datasmith.db"),
		StoreLocator:        env.String("DATASMITH_STORE_LOCATOR", "file://./datasmith-store"),
		FeatureAuthorityKey: env.String("DATASMITH_FEATURE_AUTHORITY_KEY", "authority/feature_groups.yaml"),
		HTTPAddr:            env.String("DATASMITH_HTTP_ADDR", ""),
	}
	var err error
	if cfg.PollInterval, err = env.Duration("DATASMITH_POLL_INTERVAL", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxPublishRetries, err = env.Int("DATASMITH_MAX_PUBLISH_RETRIES", 3); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.LedgerLocator) == "" {
		return errors.New("ledger locator is required")
	}
	if strings.TrimSpace(c.StoreLocator) == "" {
		return errors.New("store locator is required")
	}
	if strings.TrimSpace(c.FeatureAuthorityKey) == "" {
		return errors.New("feature authority key is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval %s must be positive", c.PollInterval)
	}
	if c.MaxPublishRetries < 1 {
		return fmt.Errorf("max publish retries %d must be >= 1", c.MaxPublishRetries)
	}
	return nil
}
