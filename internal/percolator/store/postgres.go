// Package store mirrors accepted percolator records to PostgreSQL so they
// can be served and re-indexed after the local segment files are lost.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS percolator_queries (
	id          TEXT PRIMARY KEY,
	terms       BYTEA[] NOT NULL DEFAULT '{}',
	unknown     BOOLEAN NOT NULL DEFAULT FALSE,
	query_blob  BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "percolator-store"),
	}
}

// EnsureSchema creates the percolator_queries table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating percolator_queries table: %w", err)
	}
	return nil
}

// Save inserts rec, replacing any record stored under the same id.
func (s *Store) Save(ctx context.Context, rec index.Record) error {
	terms := rec.Terms
	if terms == nil {
		terms = [][]byte{}
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO percolator_queries (id, terms, unknown, query_blob, updated_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (id) DO UPDATE
			 SET terms = EXCLUDED.terms,
			     unknown = EXCLUDED.unknown,
			     query_blob = EXCLUDED.query_blob,
			     updated_at = NOW()`,
			rec.ID, pq.ByteaArray(terms), rec.Unknown, rec.QueryBlob,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("saving percolator record %q: %w", rec.ID, err)
	}
	s.logger.Debug("percolator record saved", "doc_id", rec.ID)
	return nil
}

// Get returns the record stored under id, or apperrors.ErrDocumentNotFound.
func (s *Store) Get(ctx context.Context, id string) (index.Record, error) {
	var (
		rec   index.Record
		terms pq.ByteaArray
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, terms, unknown, query_blob FROM percolator_queries WHERE id = $1`, id,
	).Scan(&rec.ID, &terms, &rec.Unknown, &rec.QueryBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return index.Record{}, fmt.Errorf("%w: percolator query %q", apperrors.ErrDocumentNotFound, id)
	}
	if err != nil {
		return index.Record{}, fmt.Errorf("loading percolator record %q: %w", id, err)
	}
	if len(terms) > 0 {
		rec.Terms = terms
	}
	return rec, nil
}

// Each calls fn for every stored record in id order. It stops at the first
// error fn returns.
func (s *Store) Each(ctx context.Context, fn func(index.Record) error) error {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, terms, unknown, query_blob FROM percolator_queries ORDER BY id`)
	if err != nil {
		return fmt.Errorf("listing percolator records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec   index.Record
			terms pq.ByteaArray
		)
		if err := rows.Scan(&rec.ID, &terms, &rec.Unknown, &rec.QueryBlob); err != nil {
			return fmt.Errorf("scanning percolator record: %w", err)
		}
		if len(terms) > 0 {
			rec.Terms = terms
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
