package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the requested entry was not found.
	ErrNotFound = errors.New("journal entry not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// JournalEntry is one update whose embedding linkage could not be confirmed.
type JournalEntry struct {
	ID          int64
	Kind        string
	RecordID    string
	EmbeddingID string
	// Text is the composite text the embedding must be rebuilt from.
	Text string
	// Vector is set when the embedding was computed client-side.
	Vector     []float32
	Error      string
	Attempts   int
	CreatedAt  time.Time
	RepairedAt *time.Time
}

// ListOptions filters pending journal entries.
type ListOptions struct {
	// Kind restricts entries to one memory type; empty means all.
	Kind string

	// Limit caps the number of entries (default: 100).
	Limit int
}

// DefaultListLimit is used when ListOptions.Limit is not positive.
const DefaultListLimit = 100

// Validate checks an entry before it is recorded.
func (e *JournalEntry) Validate() error {
	switch {
	case e == nil:
		return errors.Join(ErrInvalidInput, errors.New("entry is nil"))
	case e.Kind == "":
		return errors.Join(ErrInvalidInput, errors.New("kind is required"))
	case e.RecordID == "":
		return errors.Join(ErrInvalidInput, errors.New("record id is required"))
	case e.EmbeddingID == "":
		return errors.Join(ErrInvalidInput, errors.New("embedding id is required"))
	}
	return nil
}
