// Package notify distributes consistency events. Inside one process a Hub
// fans events out to subscribers such as the /ws/events stream. Across
// processes an EventWriter drops event files into a shared directory and an
// EventWatcher picks them up, so a stdio server and an HTTP server running
// against the same data path see the same stream.
package notify

import "time"

// Event types.
const (
	TypeUpdateApplied = "update_applied"
	TypePartialUpdate = "partial_update"
	TypeRepaired      = "embedding_repaired"
)

// Event describes the outcome of one embedding-consistent mutation.
type Event struct {
	Type        string `json:"type"`
	Kind        string `json:"memory_type"`
	RecordID    string `json:"id"`
	EmbeddingID string `json:"embedding_id,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
	Time        int64  `json:"time"`
}

// Publisher receives events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(evt Event)
}

// Stamp sets Time when it is unset.
func (e Event) Stamp(now time.Time) Event {
	if e.Time == 0 {
		e.Time = now.UnixNano()
	}
	return e
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(evt)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
