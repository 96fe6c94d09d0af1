package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/veritas-labs/datasmith-go/internal/ledger"
	pgstore "github.com/veritas-labs/datasmith-go/internal/ledger/postgres"
	sqlitestore "github.com/veritas-labs/datasmith-go/internal/ledger/sqlite"
	platformpg "github.com/veritas-labs/datasmith-go/internal/platform/postgres"
)

// OpenLedgerStore selects the ledger backend from a connection locator:
// postgres://... for the client-server store, sqlite://path for the embedded
// one. The returned close func releases the underlying connection.
func OpenLedgerStore(ctx context.Context, locator string) (ledger.Store, func() error, error) {
	locator = strings.TrimSpace(locator)
	switch {
	case strings.HasPrefix(locator, "postgres://"), strings.HasPrefix(locator, "postgresql://"):
		cfg, err := platformpg.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		cfg.URL = locator
		db, err := platformpg.Open(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		store := pgstore.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate postgres ledger: %w", err)
		}
		return store, db.Close, nil
	case strings.HasPrefix(locator, "sqlite://"):
		path := strings.TrimPrefix(locator, "sqlite://")
		if path == "" {
			return nil, nil, fmt.Errorf("sqlite locator %q has no path", locator)
		}
		store, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger locator %q", locator)
	}
}
