package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the Postgres applier needs. pgxmock
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres applies Operations against a Postgres database.
type Postgres struct {
	db DB
}

// NewPostgres wraps an existing pool or mock.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Connect creates a pooled Postgres applier from a DSN.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Postgres) Close() {
	s.db.Close()
}

// Apply commits a single Operation atomically. Batches run inside one
// transaction so a failed row rolls back the whole batch.
func (s *Postgres) Apply(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	switch o := op.(type) {
	case InsertRecord:
		return insertRecord(ctx, s.db, o.Record)
	case InsertBatch:
		return s.applyBatch(ctx, o)
	case UpdateStatus:
		return s.updateStatus(ctx, o)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
}

func (s *Postgres) applyBatch(ctx context.Context, op InsertBatch) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		// Rollback is a no-op once the transaction committed.
		_ = tx.Rollback(ctx)
	}()
	for _, rec := range op.Records {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, db execer, rec Record) error {
	switch r := rec.(type) {
	case Song:
		query := `
			INSERT INTO songs (id, owner_id, title, artist, album, clip_path, full_path, duration_seconds, clip_start, clip_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
		`
		if _, err := db.Exec(ctx, query,
			r.ID, r.OwnerID, r.Title, r.Artist, r.Album,
			r.ClipPath, r.FullPath, r.DurationSeconds, r.ClipStart, r.ClipEnd,
		); err != nil {
			return fmt.Errorf("insert song: %w", err)
		}
	case Game:
		query := `
			INSERT INTO games (id, owner_id, name, description, difficulty, question_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7);
		`
		if _, err := db.Exec(ctx, query,
			r.ID, r.OwnerID, r.Name, r.Description, r.Difficulty, r.QuestionCount, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert game: %w", err)
		}
	case Question:
		query := `
			INSERT INTO questions (id, game_id, clip_path, prompt, correct_answer, options, artist, album)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
		`
		if _, err := db.Exec(ctx, query,
			r.ID, r.GameID, r.ClipPath, r.Prompt, r.CorrectAnswer, r.Options, r.Artist, r.Album,
		); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	default:
		return fmt.Errorf("unsupported record %T", rec)
	}
	return nil
}

func (s *Postgres) updateStatus(ctx context.Context, op UpdateStatus) error {
	at := op.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `
		INSERT INTO url_status (owner_id, url, status, note, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, url) DO UPDATE
		SET status = EXCLUDED.status, note = EXCLUDED.note, updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.db.Exec(ctx, query, op.OwnerID, op.URL, op.State, op.Note, at); err != nil {
		return fmt.Errorf("update url status: %w", err)
	}
	return nil
}

// GetURLStatus loads the current state and note for one source URL or
// returns ErrNotFound.
func (s *Postgres) GetURLStatus(ctx context.Context, ownerID, url string) (URLState, string, error) {
	query := `SELECT status, note FROM url_status WHERE owner_id = $1 AND url = $2;`
	var (
		state URLState
		note  string
	)
	err := s.db.QueryRow(ctx, query, ownerID, url).Scan(&state, &note)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("get url status: %w", err)
	}
	return state, note, nil
}
