package storage

import (
	"context"
	"fmt"
)

// Open returns the ledger for driver: "sqlite" opens sqlitePath, "postgres"
// connects with dsn (or POSTGRES_* env when dsn is empty).
func Open(ctx context.Context, driver, sqlitePath, dsn string) (TradeLedger, error) {
	switch driver {
	case "", "sqlite":
		store, err := New(sqlitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
