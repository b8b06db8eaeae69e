package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"raven/internal/domain/repositories"
)

// RepositoryConfig is shared by the postgres stores and the transaction manager.
type RepositoryConfig struct {
	Pool   *pgxpool.Pool
	Tables *TableNames
	Logger *slog.Logger
}

// TableNames are the runtime's tables under one environment prefix
// (dev_, test_, prod_).
type TableNames struct {
	Messages          string
	MessageParts      string
	Embeddings        string
	AuthorPreferences string
	SchemaMigrations  string
}

func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Messages:          prefix + "messages",
		MessageParts:      prefix + "message_parts",
		Embeddings:        prefix + "embeddings",
		AuthorPreferences: prefix + "author_preferences",
		SchemaMigrations:  prefix + "schema_migrations",
	}
}

// Pool sizing. Runs hold a connection only for the final commit and for
// history reads, so the pool stays small.
const (
	maxConns        = 16
	minConns        = 1
	maxConnIdleTime = 5 * time.Minute
)

// CreateConnectionPool opens and pings a pgx pool. Port 6543 is treated as a
// transaction-mode PgBouncer, which cannot hold prepared statements, and gets
// QueryExecModeCacheDescribe unless the URL picks a mode itself.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	config.MaxConns = maxConns
	config.MinConns = minConns
	config.MaxConnIdleTime = maxConnIdleTime

	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("auto-configured cache_describe mode for PgBouncer compatibility", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// GetExecutor returns the transaction carried by ctx, so writes made inside
// TransactionManager.ExecTx commit together, or the pool otherwise.
func GetExecutor(ctx context.Context, pool *pgxpool.Pool) repositories.DBTX {
	if tx := repositories.GetTx(ctx); tx != nil {
		return tx
	}
	return pool
}
