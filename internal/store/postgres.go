package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/faceguard/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// corpusLockKey identifies the transaction-scoped advisory lock that
// serializes check-then-append across processes.
const corpusLockKey int64 = 0x66616365

// Postgres manages the PostgreSQL connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{pool: pool, log: log}, nil
}

// initSchema creates the records table if it doesn't exist (Auto-Migration).
// seq fixes the corpus order the duplicate scan walks in.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS validated_images (
			id UUID PRIMARY KEY,
			seq BIGSERIAL,
			image TEXT NOT NULL,
			is_valid BOOLEAN NOT NULL DEFAULT FALSE,
			validation_message VARCHAR(255) NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			face_encoding TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS validated_images_seq_idx ON validated_images (seq);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates every pooled connection.
func (s *Postgres) Close(context.Context) {
	s.pool.Close()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Postgres) WithCorpusLock(ctx context.Context, fn func(ctx context.Context, c Corpus) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin corpus transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	// Released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", corpusLockKey); err != nil {
		return fmt.Errorf("acquire corpus lock: %w", err)
	}
	s.log.Debug("corpus lock acquired")

	if err := fn(ctx, &pgCorpus{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) Entries(ctx context.Context) ([]types.CorpusEntry, error) {
	return entries(ctx, s.pool)
}

func entries(ctx context.Context, q querier) ([]types.CorpusEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, face_encoding FROM validated_images
		WHERE face_encoding IS NOT NULL AND face_encoding <> ''
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.CorpusEntry
	for rows.Next() {
		var e types.CorpusEntry
		if err := rows.Scan(&e.RecordID, &e.Encoding); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgCorpus struct {
	q querier
}

func (c *pgCorpus) Entries(ctx context.Context) ([]types.CorpusEntry, error) {
	return entries(ctx, c.q)
}

func (c *pgCorpus) Append(ctx context.Context, rec *types.Record) error {
	enc, err := types.MarshalEncoding(rec.Embedding)
	if err != nil {
		return err
	}
	_, err = c.q.Exec(ctx, `
		INSERT INTO validated_images (id, image, is_valid, validation_message, uploaded_at, face_encoding)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Image, rec.IsValid, clipMessage(rec.ValidationMessage), rec.UploadedAt, enc)
	return err
}

const selectRecord = `SELECT id::text, image, is_valid, validation_message, uploaded_at FROM validated_images`

// Get fetches one record without its encoding.
func (s *Postgres) Get(ctx context.Context, id string) (*types.Record, error) {
	var r types.Record
	err := s.pool.QueryRow(ctx, selectRecord+` WHERE id::text = $1`, id).
		Scan(&r.ID, &r.Image, &r.IsValid, &r.ValidationMessage, &r.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns every record, newest first.
func (s *Postgres) List(ctx context.Context) ([]types.Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+` ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var r types.Record
		if err := rows.Scan(&r.ID, &r.Image, &r.IsValid, &r.ValidationMessage, &r.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The next New call recreates them.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS validated_images CASCADE;`)
	return err
}
