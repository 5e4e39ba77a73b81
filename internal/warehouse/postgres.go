package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Warehouse backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) EnsureTable(ctx context.Context, spec TableSpec) error {
	if _, err := p.pool.Exec(ctx, postgresDialect.createTable(spec)); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

func (p *Postgres) Truncate(ctx context.Context, table string) error {
	if _, err := p.pool.Exec(ctx, "TRUNCATE TABLE "+pgx.Identifier{table}.Sanitize()); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

// CopyRows uses the COPY protocol.
func (p *Postgres) CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := p.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}

// MergeRows queues one upsert per row in a batch inside a transaction, so
// either every row is applied or none is.
func (p *Postgres) MergeRows(ctx context.Context, spec TableSpec, rows [][]any) (int64, error) {
	if err := validateMerge(spec); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("merge into %s: begin: %w", spec.Name, err)
	}
	defer tx.Rollback(ctx)

	query := postgresDialect.upsert(spec)
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(query, r...)
	}

	res := tx.SendBatch(ctx, batch)
	var affected int64
	for range rows {
		tag, err := res.Exec()
		if err != nil {
			res.Close()
			return 0, fmt.Errorf("merge into %s: %w", spec.Name, err)
		}
		affected += tag.RowsAffected()
	}
	if err := res.Close(); err != nil {
		return 0, fmt.Errorf("merge into %s: %w", spec.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("merge into %s: commit: %w", spec.Name, err)
	}
	return affected, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
