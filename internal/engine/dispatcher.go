// Package engine executes routed tool calls. The Dispatcher resolves an
// invocation with the router, fills the decision's directives (ids,
// timestamps, query vectors) and hands it to the session registry, the
// consistency coordinator or the backend.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/consistency"
	"github.com/scrypster/helixmcp/internal/helix"
	"github.com/scrypster/helixmcp/internal/llm"
	"github.com/scrypster/helixmcp/internal/metrics"
	"github.com/scrypster/helixmcp/internal/router"
	"github.com/scrypster/helixmcp/internal/session"
	"github.com/scrypster/helixmcp/internal/tracing"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Dispatcher is safe for concurrent use. It keeps no per-call state.
type Dispatcher struct {
	router      *router.Router
	sessions    *session.Registry
	coordinator *consistency.Coordinator
	backend     helix.Backend
	embedder    llm.Embedder

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithEmbedder embeds query text for searches that need a client-side vector.
func WithEmbedder(e llm.Embedder) Option {
	return func(d *Dispatcher) { d.embedder = e }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now for create timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator replaces the UUID source of generated record ids.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New wires a dispatcher. sessions and coordinator are required.
func New(r *router.Router, sessions *session.Registry, coordinator *consistency.Coordinator, backend helix.Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:      r,
		sessions:    sessions,
		coordinator: coordinator,
		backend:     backend,
		logger:      zap.NewNop(),
		tracer:      tracing.Tracer(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Router exposes the routing table, e.g. for tools/list.
func (d *Dispatcher) Router() *router.Router { return d.router }

// Call runs one tools/call request and returns the JSON-encodable result.
func (d *Dispatcher) Call(ctx context.Context, tool string, args map[string]any) (result any, err error) {
	ctx, span := d.tracer.Start(ctx, "engine.call", trace.WithAttributes(attribute.String("mcp.tool", tool)))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(apperrors.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if d.metrics != nil {
			d.metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
		}
		d.logger.Debug("tool call",
			zap.String("tool", tool),
			zap.String("outcome", outcome),
			zap.Duration("duration", time.Since(start)))
	}()

	dec, err := d.router.Route(router.Invocation{Tool: tool, Args: args})
	if err != nil {
		return nil, err
	}
	if dec.Kind != catalog.KindNone {
		span.SetAttributes(attribute.String("mcp.memory_type", dec.Kind.String()))
	}
	return d.execute(ctx, dec)
}

func (d *Dispatcher) execute(ctx context.Context, dec router.Decision) (any, error) {
	switch dec.Op {
	case router.OpSession:
		return d.session(ctx, dec)
	case router.OpCreate:
		return d.create(ctx, dec)
	case router.OpUpdate:
		return d.update(ctx, dec)
	case router.OpDelete:
		return d.remove(ctx, dec)
	case router.OpQuery:
		if len(dec.FanOut) > 0 {
			return d.queryAll(ctx, dec)
		}
		return d.query(ctx, dec)
	case router.OpSearch:
		return d.search(ctx, dec)
	case router.OpRaw:
		return d.raw(ctx, dec)
	}
	return nil, apperrors.New(apperrors.CodeInternal, "decision has no executable op",
		apperrors.Field("tool", dec.Tool), apperrors.Field("op", string(dec.Op)))
}

func (d *Dispatcher) session(ctx context.Context, dec router.Decision) (any, error) {
	switch dec.Tool {
	case "init":
		id, err := d.sessions.Init(ctx)
		if err != nil {
			return nil, err
		}
		return SessionResult{SessionID: id, Status: "open"}, nil
	case "next":
		item, ok, err := d.sessions.Next(ctx, dec.SessionID)
		if err != nil {
			return nil, err
		}
		return NextResult{SessionID: dec.SessionID, Item: item, Done: !ok}, nil
	case "collect":
		items, err := d.sessions.Collect(ctx, dec.SessionID)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []session.Item{}
		}
		return CollectResult{SessionID: dec.SessionID, Count: len(items), Items: items}, nil
	case "reset":
		if err := d.sessions.Reset(ctx, dec.SessionID); err != nil {
			return nil, err
		}
		return SessionResult{SessionID: dec.SessionID, Status: "reset"}, nil
	case "schema_resource":
		return d.sessions.SchemaResource(ctx, dec.SessionID)
	case "close":
		if err := d.sessions.Close(ctx, dec.SessionID); err != nil {
			return nil, err
		}
		return SessionResult{SessionID: dec.SessionID, Status: "closed"}, nil
	}
	return d.sessions.Step(ctx, dec.SessionID, dec.Query, dec.Params)
}

func (d *Dispatcher) create(ctx context.Context, dec router.Decision) (any, error) {
	d.fill(&dec)
	out, err := d.coordinator.Create(ctx, dec)
	if err != nil {
		return nil, err
	}
	return CreateResult{
		Status:      out.Status,
		MemoryType:  out.Kind,
		ID:          out.RecordID,
		EmbeddingID: out.EmbeddingID,
		Code:        out.Code,
		Error:       out.Error,
	}, nil
}

// fill resolves the id and timestamp directives in place.
func (d *Dispatcher) fill(dec *router.Decision) {
	params := make(map[string]any, len(dec.Params)+len(dec.Generate)+len(dec.Stamp))
	for k, v := range dec.Params {
		params[k] = v
	}
	for _, g := range dec.Generate {
		params[g.Field] = g.Prefix + d.newID()
	}
	stamp := d.now().UTC().Format(time.RFC3339)
	for _, field := range dec.Stamp {
		params[field] = stamp
	}
	dec.Params = params
	dec.Generate = nil
	dec.Stamp = nil
}

func (d *Dispatcher) update(ctx context.Context, dec router.Decision) (any, error) {
	out, err := d.coordinator.Apply(ctx, dec.Update)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) remove(ctx context.Context, dec router.Decision) (any, error) {
	s := dec.Kind.Spec()
	if _, err := d.backend.Execute(ctx, dec.Query, dec.Params); err != nil {
		return nil, err
	}
	id, _ := dec.Params[s.IDField].(string)
	return DeleteResult{Status: "deleted", MemoryType: s.Name, ID: id}, nil
}

func (d *Dispatcher) query(ctx context.Context, dec router.Decision) (QueryResult, error) {
	res, err := d.backend.ExecuteRead(ctx, dec.Query, dec.Params)
	if err != nil {
		return QueryResult{}, err
	}
	rows := applyFilters(res.Rows, dec.Filters)
	if dec.Limit > 0 && len(rows) > dec.Limit {
		rows = rows[:dec.Limit]
	}
	return QueryResult{MemoryType: dec.Kind.Spec().Name, Count: len(rows), Results: rows}, nil
}

func (d *Dispatcher) search(ctx context.Context, dec router.Decision) (any, error) {
	params := dec.Params
	if dec.Embed != nil {
		vec, err := d.embed(ctx, dec.Embed.Text)
		if err != nil {
			return nil, err
		}
		params = make(map[string]any, len(dec.Params)+1)
		for k, v := range dec.Params {
			params[k] = v
		}
		params[dec.Embed.Target] = vec
	}

	res, err := d.backend.ExecuteRead(ctx, dec.Query, params)
	if err != nil {
		return nil, err
	}
	rows := res.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	return SearchResult{
		MemoryType: dec.Kind.Spec().Name,
		Family:     string(dec.Search),
		Count:      len(rows),
		Results:    rows,
	}, nil
}

func (d *Dispatcher) embed(ctx context.Context, text string) ([]float64, error) {
	if d.embedder == nil {
		return nil, apperrors.New(apperrors.CodeEmbeddingUnavailable,
			"no embedding provider configured for client-side query vectors")
	}
	v, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out, nil
}

func (d *Dispatcher) raw(ctx context.Context, dec router.Decision) (any, error) {
	res, err := d.backend.ExecuteRead(ctx, dec.Query, dec.Params)
	if err != nil {
		return nil, err
	}
	return RawResult{Query: dec.Query, Count: len(res.Rows), Result: res.Value}, nil
}
