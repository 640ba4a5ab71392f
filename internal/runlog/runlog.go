// Package runlog keeps a history of backtest runs in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// ErrNotFound is returned by Get for an unknown run id
var ErrNotFound = errors.New("run not found")

// Entry is one recorded run
type Entry struct {
	ID        string                  `json:"id"`
	Kind      string                  `json:"kind"` // "bars" or "options"
	Symbols   []string                `json:"symbols"`
	Success   bool                    `json:"success"`
	ErrorKind types.ErrorKind         `json:"errorKind,omitempty"`
	Bars      int                     `json:"bars"`
	CacheHit  bool                    `json:"cacheHit"`
	TotalMs   int64                   `json:"totalMs"`
	CreatedAt time.Time               `json:"createdAt"`
	Response  *types.BacktestResponse `json:"response,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	symbols     TEXT NOT NULL,
	success     INTEGER NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	bars        INTEGER NOT NULL,
	cache_hit   INTEGER NOT NULL,
	total_ms    INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	response    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created_at ON runs (created_at DESC);
`

// Store records runs in a SQLite database
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating run log schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run
func (s *Store) Record(ctx context.Context, kind string, resp *types.BacktestResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", resp.ID, err)
	}
	errorKind := ""
	if resp.Error != nil {
		errorKind = string(resp.Error.Kind)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, kind, symbols, success, error_kind, bars, cache_hit, total_ms, created_at, response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.ID,
		kind,
		strings.Join(resp.RequestedSymbols, ","),
		boolInt(resp.Success),
		errorKind,
		resp.Bars,
		boolInt(resp.CacheHit),
		resp.Timing.TotalMs,
		time.Now().UTC().UnixMilli(),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", resp.ID, err)
	}

	s.logger.Debug("Recorded run", zap.String("id", resp.ID), zap.Bool("success", resp.Success))
	return nil
}

// Get returns a run with its full response
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, symbols, success, error_kind, bars, cache_hit, total_ms, created_at, response
		FROM runs WHERE id = ?`, id)

	e, body, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var resp types.BacktestResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	e.Response = &resp
	return e, nil
}

// List returns the most recent runs without their responses, newest first
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, symbols, success, error_kind, bars, cache_hit, total_ms, created_at, ''
		FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, string, error) {
	var (
		e         Entry
		symbols   string
		success   int
		errorKind string
		cacheHit  int
		created   int64
		body      string
	)
	if err := row.Scan(&e.ID, &e.Kind, &symbols, &success, &errorKind, &e.Bars, &cacheHit, &e.TotalMs, &created, &body); err != nil {
		return nil, "", err
	}
	if symbols != "" {
		e.Symbols = strings.Split(symbols, ",")
	}
	e.Success = success != 0
	e.ErrorKind = types.ErrorKind(errorKind)
	e.CacheHit = cacheHit != 0
	e.CreatedAt = time.UnixMilli(created).UTC()
	return &e, body, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
