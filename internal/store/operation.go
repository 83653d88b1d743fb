package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// URLState mirrors the url_status.status column.
type URLState string

// URL processing states persisted in url_status.status.
const (
	URLPending    URLState = "pending"
	URLProcessing URLState = "processing"
	URLDone       URLState = "done"
	URLFailed     URLState = "failed"
)

// Song models the songs table: one downloaded track with its quiz clip.
type Song struct {
	ID              uuid.UUID
	OwnerID         string
	Title           string
	Artist          string
	Album           string
	ClipPath        string
	FullPath        string
	DurationSeconds int
	ClipStart       int
	ClipEnd         int
}

// Game models the games table.
type Game struct {
	ID            uuid.UUID
	OwnerID       string
	Name          string
	Description   string
	Difficulty    string
	QuestionCount int
	CreatedAt     time.Time
}

// Question models the questions table. Options include the correct answer.
type Question struct {
	ID            uuid.UUID
	GameID        uuid.UUID
	ClipPath      string
	Prompt        string
	CorrectAnswer string
	Options       []string
	Artist        string
	Album         string
}

// Record is a row-shaped payload destined for exactly one table.
type Record interface {
	Table() string
}

// Table implements Record.
func (Song) Table() string { return "songs" }

// Table implements Record.
func (Game) Table() string { return "games" }

// Table implements Record.
func (Question) Table() string { return "questions" }

// Operation is an intended persistence side effect to be applied
// at-least-once. It is immutable once created; each Operation maps to one
// atomic persistence call.
type Operation interface {
	// Describe returns a short label for logs and metrics.
	Describe() string
	// Validate rejects malformed operations before any attempt is made.
	Validate() error
}

// InsertRecord inserts a single row.
type InsertRecord struct {
	Record Record
}

// Describe implements Operation.
func (op InsertRecord) Describe() string {
	if op.Record == nil {
		return "insert"
	}
	return "insert " + op.Record.Table()
}

// Validate implements Operation.
func (op InsertRecord) Validate() error {
	if op.Record == nil {
		return errors.New("insert requires a record")
	}
	return nil
}

// InsertBatch inserts several rows in one transaction. The batch is a
// single retry unit: either every row lands or none do.
type InsertBatch struct {
	Records []Record
}

// Describe implements Operation.
func (op InsertBatch) Describe() string {
	return fmt.Sprintf("insert batch (%d)", len(op.Records))
}

// Validate implements Operation.
func (op InsertBatch) Validate() error {
	if len(op.Records) == 0 {
		return errors.New("batch requires at least one record")
	}
	for _, rec := range op.Records {
		if rec == nil {
			return errors.New("batch contains a nil record")
		}
	}
	return nil
}

// UpdateStatus transitions a source URL through the processing lifecycle.
type UpdateStatus struct {
	URL     string
	OwnerID string
	State   URLState
	Note    string
	At      time.Time
}

// Describe implements Operation.
func (op UpdateStatus) Describe() string {
	return "update url status " + string(op.State)
}

// Validate implements Operation.
func (op UpdateStatus) Validate() error {
	if op.URL == "" {
		return errors.New("status update requires a url")
	}
	switch op.State {
	case URLPending, URLProcessing, URLDone, URLFailed:
	default:
		return fmt.Errorf("unknown url state %q", op.State)
	}
	return nil
}

// Applier commits an Operation to the backing store. Implementations must
// keep each Operation atomic; partial application is not tolerated.
type Applier interface {
	Apply(ctx context.Context, op Operation) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, op Operation) error

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, op Operation) error {
	return f(ctx, op)
}
