// Package storage records update outcomes that left the graph's embedding
// linkage unconfirmed, so operators can replay them later.
package storage

import (
	"context"
	"time"
)

// JournalStore persists repair journal entries.
type JournalStore interface {
	// Record appends an entry and fills its ID and CreatedAt.
	Record(ctx context.Context, entry *JournalEntry) error

	// ListPending returns entries that were not yet repaired, oldest first.
	ListPending(ctx context.Context, opts ListOptions) ([]JournalEntry, error)

	// MarkRepaired stamps an entry as repaired.
	// Returns ErrNotFound if the entry doesn't exist.
	MarkRepaired(ctx context.Context, id int64, at time.Time) error

	// Close releases the underlying connection.
	Close() error
}

// NopJournal discards every entry. It backs the "none" journal engine.
type NopJournal struct{}

var _ JournalStore = NopJournal{}

func (NopJournal) Record(context.Context, *JournalEntry) error { return nil }

func (NopJournal) ListPending(context.Context, ListOptions) ([]JournalEntry, error) {
	return nil, nil
}

func (NopJournal) MarkRepaired(context.Context, int64, time.Time) error { return ErrNotFound }

func (NopJournal) Close() error { return nil }
