package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// EventWriter writes event files to a shared directory.
type EventWriter struct {
	dir    string
	logger *zap.Logger
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string, logger *zap.Logger) *EventWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventWriter{dir: filepath.Join(dataPath, "events"), logger: logger}
}

// Dir is the directory events are written to.
func (w *EventWriter) Dir() string { return w.dir }

// Write stores evt as one file. Safe to call concurrently.
func (w *EventWriter) Write(evt Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt = evt.Stamp(time.Now())
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	// Event files appear atomically via rename.
	name := fmt.Sprintf("%d-%s.event", evt.Time, sanitizeID(evt.RecordID))
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish event: %w", err)
	}
	return nil
}

// Publish implements Publisher. Failures are logged, not returned.
func (w *EventWriter) Publish(evt Event) {
	if err := w.Write(evt); err != nil {
		w.logger.Warn("failed to write event file", zap.String("type", evt.Type), zap.Error(err))
	}
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
