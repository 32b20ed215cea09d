package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyRows streams items into table over the COPY protocol, encoding each one
// with encode as pgx asks for it. table may be schema-qualified.
func CopyRows[T any](ctx context.Context, pool Pool, table string, columns []string, items []T, encode func(T) ([]any, error)) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, eris.Errorf("db: COPY INTO %s: no columns", table)
	}

	src := pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
		row, err := encode(items[i])
		if err != nil {
			return nil, eris.Wrapf(err, "db: encode row %d", i)
		}
		return row, nil
	})
	n, err := pool.CopyFrom(ctx, identifier(table), columns, src)
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

func identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}
