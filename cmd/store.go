package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/config"
	"github.com/sells-group/backfill-cli/internal/store"
)

// initStore opens and migrates the configured backend.
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch sc.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, sc.DatabaseURL, nil)
	case "sqlite", "":
		st, err = store.NewSQLite(sc.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", sc.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	zap.L().Debug("store ready", zap.String("driver", sc.Driver))
	return st, nil
}
