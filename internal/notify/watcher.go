package notify

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventWatcher consumes the files an EventWriter drops into
// {dataPath}/events/. Each file is deleted once read and its event handed
// to deliver, so every event is delivered by at most one watcher.
type EventWatcher struct {
	dir     string
	deliver func(Event)
	logger  *zap.Logger

	fsw     *fsnotify.Watcher
	stopped chan struct{}
}

// NewEventWatcher creates a watcher over dataPath. Start it to receive
// events.
func NewEventWatcher(dataPath string, deliver func(Event), logger *zap.Logger) *EventWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventWatcher{
		dir:     filepath.Join(dataPath, "events"),
		deliver: deliver,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Start delivers the files already present, oldest first, then follows the
// directory until Stop.
func (w *EventWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsw = fsw

	// A file seen by both the backlog scan and the watch is delivered once.
	w.backlog()
	go w.run()

	w.logger.Info("following consistency events", zap.String("dir", w.dir))
	return nil
}

// Stop ends the watch and waits for the delivery loop to exit.
func (w *EventWatcher) Stop() {
	if w.fsw == nil {
		return
	}
	_ = w.fsw.Close()
	<-w.stopped
}

func (w *EventWatcher) run() {
	defer close(w.stopped)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Writers rename finished files into place.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.consume(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("event watch failed", zap.Error(err))
		}
	}
}

func (w *EventWatcher) backlog() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading event backlog failed", zap.Error(err))
		return
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isEventFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	// Names start with the event time in nanoseconds.
	slices.Sort(names)
	for _, name := range names {
		w.consume(filepath.Join(w.dir, name))
	}
}

func (w *EventWatcher) consume(path string) {
	if !isEventFile(path) {
		return
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		w.logger.Warn("reading event file failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if err := os.Remove(path); err != nil {
		// Another watcher removed it first and owns delivery.
		return
	}

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		w.logger.Warn("discarding malformed event file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if evt.RecordID == "" || w.deliver == nil {
		return
	}
	w.deliver(evt)
}

// isEventFile reports whether name is a finished event file. Temporary
// files written before the rename start with a dot.
func isEventFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".event") && !strings.HasPrefix(base, ".")
}
