// Package store persists sink classifications and explored pages to
// PostgreSQL so that a later scan can resume from them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/browser"
	"github.com/xkilldash9x/domscout/internal/sinks"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sink_entries (
    scan_id     TEXT        NOT NULL,
    sink_hash   BIGINT      NOT NULL,
    sink        TEXT        NOT NULL,
    input       TEXT        NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (scan_id, sink_hash, sink, input)
);
CREATE TABLE IF NOT EXISTS pages (
    scan_id     TEXT        NOT NULL,
    url         TEXT        NOT NULL,
    transition  TEXT        NOT NULL,
    sink_hash   BIGINT      NOT NULL,
    document    JSONB       NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
`

var (
	sinkColumns = []string{"scan_id", "sink_hash", "sink", "input", "recorded_at"}
	pageColumns = []string{"scan_id", "url", "transition", "sink_hash", "document", "recorded_at"}
)

// PageRecord is one explored page as stored.
type PageRecord struct {
	Page     *browser.Page
	SinkHash uint64
}

// SinkStore dumps and restores the sink state of a scan.
type SinkStore struct {
	pool DBPool
	log  *zap.Logger
}

// Connect opens a pgx pool for url and wraps it.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*SinkStore, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*SinkStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SinkStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they are missing.
func (s *SinkStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// PersistSinks replaces the stored sink state of scanID with entries.
func (s *SinkStore) PersistSinks(ctx context.Context, scanID string, entries []sinks.Entry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sink_entries WHERE scan_id = $1`, scanID); err != nil {
			return fmt.Errorf("failed to clear sink entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		now := time.Now().UTC()
		rows := make([][]any, len(entries))
		for i, e := range entries {
			// BIGINT is signed; the bit pattern round-trips through LoadSinks.
			rows[i] = []any{scanID, int64(e.SinkHash), string(e.Sink), e.Input, now}
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"sink_entries"}, sinkColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy sink entries: %w", err)
		}
		if int(n) != len(entries) {
			return fmt.Errorf("mismatch in copied sink entries count: expected %d, got %d", len(entries), n)
		}
		return nil
	})
}

// LoadSinks returns the sink state stored for scanID.
func (s *SinkStore) LoadSinks(ctx context.Context, scanID string) ([]sinks.Entry, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT sink_hash, sink, input
        FROM sink_entries
        WHERE scan_id = $1
        ORDER BY sink_hash, sink, input;
    `, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sink entries: %w", err)
	}
	defer rows.Close()

	var out []sinks.Entry
	for rows.Next() {
		var (
			hash int64
			sink string
			e    sinks.Entry
		)
		if err := rows.Scan(&hash, &sink, &e.Input); err != nil {
			return nil, fmt.Errorf("failed to scan sink entry row: %w", err)
		}
		e.SinkHash = uint64(hash)
		e.Sink = sinks.Sink(sink)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// PersistPages appends explored pages to scanID.
func (s *SinkStore) PersistPages(ctx context.Context, scanID string, pages []PageRecord) error {
	if len(pages) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(pages))
	for _, p := range pages {
		doc, err := json.Marshal(p.Page)
		if err != nil {
			return fmt.Errorf("failed to encode page %s: %w", p.Page.URL, err)
		}
		transition := ""
		if p.Page.Transition != nil {
			transition = p.Page.Transition.String()
		}
		rows = append(rows, []any{scanID, p.Page.URL, transition, int64(p.SinkHash), doc, now})
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"pages"}, pageColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy pages: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied pages count: expected %d, got %d", len(rows), n)
		}
		return nil
	})
}

func (s *SinkStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
