// Package session keeps the traversal sessions opened through the MCP
// session tools. Each session owns one backend connection and a cursor over
// the connection's current traversal result.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/helix"
	"github.com/scrypster/helixmcp/internal/metrics"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

const (
	defaultTTL           = 30 * time.Minute
	defaultMax           = 1000
	defaultPageSize      = 100
	defaultSweepInterval = time.Minute
	releaseTimeout       = 5 * time.Second
)

// Eviction reasons reported on the sessions_evicted metric.
const (
	ReasonExpired = "expired"
	ReasonClosed  = "closed"
)

// Item is one element of a traversal result.
type Item = map[string]any

// State is the lifecycle state of a session.
type State int

const (
	StateActive State = iota
	StateExhausted
)

func (s State) String() string {
	if s == StateExhausted {
		return "exhausted"
	}
	return "active"
}

// StepResult acknowledges a traversal step.
type StepResult struct {
	SessionID string         `json:"session_id"`
	Step      string         `json:"step"`
	Accepted  map[string]any `json:"accepted,omitempty"`
}

// Schema is the node and edge description returned by the backend.
type Schema map[string]any

// Info is a read-only snapshot of a session.
type Info struct {
	ID             string    `json:"session_id"`
	ConnectionID   string    `json:"connection_id"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Pending        int       `json:"pending"`
}

type cursor struct {
	pending []Item
	// offset counts items already fetched from the backend traversal.
	offset  int
	drained bool
	bound   bool
}

// Session is guarded by its own mutex; every operation on one id is
// serialised through it.
type Session struct {
	ID             string
	ConnectionID   string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TTL            time.Duration

	mu      sync.Mutex
	cursor  cursor
	schema  Schema
	evicted bool
	state   State
}

func (s *Session) expired(now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.LastAccessedAt) > s.TTL
}

// Registry maps session ids to sessions. It is safe for concurrent use.
type Registry struct {
	backend helix.Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	ttl           time.Duration
	max           int
	pageSize      int
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	// reserved counts Init calls waiting on the backend.
	reserved int
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the idle time after which a session is evicted.
func WithTTL(ttl time.Duration) Option { return func(r *Registry) { r.ttl = ttl } }

// WithMaxSessions caps the number of live sessions.
func WithMaxSessions(n int) Option { return func(r *Registry) { r.max = n } }

// WithPageSize sets how many items one backend page holds.
func WithPageSize(n int) Option { return func(r *Registry) { r.pageSize = n } }

// WithSweepInterval sets the period of Run.
func WithSweepInterval(d time.Duration) Option { return func(r *Registry) { r.sweepInterval = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics records session gauges and eviction counters.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// NewRegistry creates an empty registry over backend.
func NewRegistry(backend helix.Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:       backend,
		logger:        zap.NewNop(),
		now:           time.Now,
		newID:         uuid.NewString,
		ttl:           defaultTTL,
		max:           defaultMax,
		pageSize:      defaultPageSize,
		sweepInterval: defaultSweepInterval,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pageSize <= 0 {
		r.pageSize = defaultPageSize
	}
	return r
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Init opens a backend connection and registers a new session for it.
func (r *Registry) Init(ctx context.Context) (string, error) {
	r.Sweep(ctx)

	r.mu.Lock()
	if len(r.sessions)+r.reserved >= r.max {
		r.mu.Unlock()
		return "", apperrors.New(apperrors.CodeSessionCapacity, "too many open sessions",
			apperrors.Field("max", r.max))
	}
	r.reserved++
	r.mu.Unlock()

	conn, err := helix.Init(ctx, r.backend)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved--
	if err != nil {
		return "", err
	}

	now := r.now()
	s := &Session{
		ID:             r.newID(),
		ConnectionID:   conn,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            r.ttl,
	}
	r.sessions[s.ID] = s
	r.gauge()

	r.logger.Debug("session opened", zap.String("session_id", s.ID), zap.String("connection_id", conn))
	return s.ID, nil
}

var stepQueries = func() map[string]bool {
	m := make(map[string]bool, len(catalog.TraversalSteps))
	for _, q := range catalog.TraversalSteps {
		m[q.Name] = true
	}
	return m
}()

// Step binds a new traversal on the session's connection. The cursor starts
// over at the beginning of the new result.
func (r *Registry) Step(ctx context.Context, id, step string, data map[string]any) (StepResult, error) {
	if !stepQueries[step] {
		return StepResult{}, apperrors.New(apperrors.CodeRouterToolUnsupported, "unknown traversal step",
			apperrors.FieldQuery(step))
	}

	s, err := r.acquire(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	defer s.mu.Unlock()

	res, err := helix.Step(ctx, r.backend, step, s.ConnectionID, data)
	if err != nil {
		return StepResult{}, err
	}
	s.cursor = cursor{bound: true}
	s.state = StateActive

	return StepResult{SessionID: id, Step: step, Accepted: res.First()}, nil
}

// Next returns the next item of the bound traversal. ok is false once the
// traversal is drained.
func (r *Registry) Next(ctx context.Context, id string) (item Item, ok bool, err error) {
	s, err := r.acquire(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()

	if len(s.cursor.pending) == 0 && s.cursor.bound && !s.cursor.drained {
		if err := r.fetch(ctx, s); err != nil {
			return nil, false, err
		}
	}
	if len(s.cursor.pending) == 0 {
		s.state = StateExhausted
		return nil, false, nil
	}

	item = s.cursor.pending[0]
	s.cursor.pending = s.cursor.pending[1:]
	return item, true, nil
}

// Collect drains the bound traversal. Fetched pages stay on the session
// until the drain completes, so a cancelled call loses nothing.
func (r *Registry) Collect(ctx context.Context, id string) ([]Item, error) {
	s, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	for s.cursor.bound && !s.cursor.drained {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeBackendUnavailable, "collect cancelled",
				apperrors.FieldSessionID(id), apperrors.Field("fetched", s.cursor.offset))
		}
		if err := r.fetch(ctx, s); err != nil {
			return nil, err
		}
	}

	items := s.cursor.pending
	if items == nil {
		items = []Item{}
	}
	s.cursor.pending = nil
	s.state = StateExhausted
	return items, nil
}

// fetch appends the next backend page to the pending buffer. A short page
// marks the traversal drained.
func (r *Registry) fetch(ctx context.Context, s *Session) error {
	rng := &helix.Range{Start: s.cursor.offset, End: s.cursor.offset + r.pageSize}
	res, err := helix.Collect(ctx, r.backend, s.ConnectionID, rng, false)
	if err != nil {
		return err
	}
	s.cursor.pending = append(s.cursor.pending, res.Rows...)
	s.cursor.offset += len(res.Rows)
	if len(res.Rows) < r.pageSize {
		s.cursor.drained = true
	}
	return nil
}

// Reset clears the backend traversal and the session cursor.
func (r *Registry) Reset(ctx context.Context, id string) error {
	s, err := r.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := helix.Reset(ctx, r.backend, s.ConnectionID); err != nil {
		return err
	}
	s.cursor = cursor{}
	s.schema = nil
	s.state = StateActive
	return nil
}

// SchemaResource returns the schema visible to the session. The first call
// is cached until Reset.
func (r *Registry) SchemaResource(ctx context.Context, id string) (Schema, error) {
	s, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.schema == nil {
		res, err := helix.SchemaResource(ctx, r.backend, s.ConnectionID)
		if err != nil {
			return nil, err
		}
		s.schema = Schema(res.First())
		if s.schema == nil {
			s.schema = Schema{}
		}
	}
	out := make(Schema, len(s.schema))
	for k, v := range s.schema {
		out[k] = v
	}
	return out, nil
}

// Info returns a snapshot of the session.
func (r *Registry) Info(ctx context.Context, id string) (Info, error) {
	s, err := r.acquire(ctx, id)
	if err != nil {
		return Info{}, err
	}
	defer s.mu.Unlock()
	return Info{
		ID:             s.ID,
		ConnectionID:   s.ConnectionID,
		State:          s.state.String(),
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
		Pending:        len(s.cursor.pending),
	}, nil
}

// Close removes a session and drops its backend cursor.
func (r *Registry) Close(ctx context.Context, id string) error {
	s, err := r.acquire(ctx, id)
	if err != nil {
		return err
	}
	s.evicted = true
	conn := s.ConnectionID
	s.mu.Unlock()

	r.remove(id, ReasonClosed)
	_, err = helix.Collect(ctx, r.backend, conn, nil, true)
	return err
}

// Run sweeps expired sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.sweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info("expired sessions evicted", zap.Int("count", n))
			}
		}
	}
}

// Sweep evicts expired sessions and returns how many were removed. Sessions
// with a call in flight are skipped.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		if !s.mu.TryLock() {
			continue
		}
		if s.evicted || !s.expired(now) {
			s.mu.Unlock()
			continue
		}
		s.evicted = true
		s.mu.Unlock()

		r.remove(s.ID, ReasonExpired)
		r.release(ctx, s)
		evicted++
	}
	return evicted
}

// acquire returns the session locked. The caller unlocks it.
func (r *Registry) acquire(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}

	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return nil, notFound(id)
	}

	now := r.now()
	if s.expired(now) {
		s.evicted = true
		s.mu.Unlock()
		r.remove(id, ReasonExpired)
		r.release(ctx, s)
		return nil, apperrors.New(apperrors.CodeSessionExpired, "session expired",
			apperrors.FieldSessionID(id), apperrors.Field("idle", now.Sub(s.LastAccessedAt).String()))
	}
	s.LastAccessedAt = now
	return s, nil
}

func (r *Registry) remove(id, reason string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.gauge()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	}
	r.logger.Debug("session removed", zap.String("session_id", id), zap.String("reason", reason))
}

// release drops the backend cursor of an evicted session. Failures are only
// logged; the backend discards idle connections on its own.
func (r *Registry) release(ctx context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := helix.Collect(ctx, r.backend, s.ConnectionID, nil, true); err != nil {
		r.logger.Warn("failed to release backend cursor",
			zap.String("session_id", s.ID), zap.String("connection_id", s.ConnectionID), zap.Error(err))
	}
}

// gauge must be called with r.mu held.
func (r *Registry) gauge() {
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
}

func notFound(id string) error {
	return apperrors.New(apperrors.CodeSessionNotFound, "session not found", apperrors.FieldSessionID(id))
}
