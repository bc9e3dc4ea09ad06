// Package storage provides the database and Redis connections shared by the
// event plane.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudmesh-io/cmp/internal/config"
)

//go:generate go run github.com/matryer/moq@v0.5.3 -out database_mock.go . Database

// Pool is the slice of pgxpool.Pool the outbox repository needs. pgxmock's
// pool implements the same set, which is what the repository tests run on.
type Pool interface {
	Close()
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Database is the query surface the repositories depend on.
type Database interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Close()
}

// statementAttrLimit bounds the db.statement span attribute; outbox SQL is
// short, but claim queries carry the full RETURNING column list.
const statementAttrLimit = 120

// DefaultDatabase runs every statement inside a span carrying the
// (truncated) statement text, so outbox claim latency shows up in traces
// next to the bus publish that follows it.
type DefaultDatabase struct {
	pool   Pool
	tracer trace.Tracer
}

var _ Database = (*DefaultDatabase)(nil)

// NewDefaultDatabase opens a pgx pool from config and verifies connectivity.
func NewDefaultDatabase(cfg *config.Config) (*DefaultDatabase, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewDatabaseWithPool(pool), nil
}

// NewDatabaseWithPool wraps an existing pool (tests hand in pgxmock here).
func NewDatabaseWithPool(pool Pool) *DefaultDatabase {
	return &DefaultDatabase{pool: pool, tracer: otel.Tracer("cmp/database")}
}

// Close closes the underlying pool.
func (db *DefaultDatabase) Close() {
	db.pool.Close()
}

// Pool returns the underlying connection pool.
func (db *DefaultDatabase) Pool() Pool {
	return db.pool
}

// QueryRow executes a single-row query inside a span. Scan errors surface at
// the caller; only pool-level failures are recordable here.
func (db *DefaultDatabase) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := db.startSpan(ctx, "db.query_row", sql, len(args))
	defer span.End()
	return db.pool.QueryRow(ctx, sql, args...)
}

// Query executes a multi-row query inside a span.
func (db *DefaultDatabase) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := db.startSpan(ctx, "db.query", sql, len(args))
	defer span.End()

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
	}
	return rows, err
}

// Exec executes a command inside a span.
func (db *DefaultDatabase) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := db.startSpan(ctx, "db.exec", sql, len(args))
	defer span.End()

	tag, err := db.pool.Exec(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exec failed")
	}
	return tag, err
}

func (db *DefaultDatabase) startSpan(ctx context.Context, op, sql string, argCount int) (context.Context, trace.Span) {
	ctx, span := db.tracer.Start(ctx, op)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", truncateStatement(sql)),
		attribute.Int("db.args.count", argCount),
	)
	return ctx, span
}

func truncateStatement(sql string) string {
	if len(sql) <= statementAttrLimit {
		return sql
	}
	return sql[:statementAttrLimit] + "..."
}
