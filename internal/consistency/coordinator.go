// Package consistency keeps a record and its embedding in step. HelixDB
// executes the scalar write and the drop/add/link of the embedding as
// independent queries; the coordinator orders them, retries the embedding
// group as a unit and reports a partial update when the group cannot be
// confirmed within its budget.
package consistency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/helix"
	"github.com/scrypster/helixmcp/internal/llm"
	"github.com/scrypster/helixmcp/internal/metrics"
	"github.com/scrypster/helixmcp/internal/notify"
	"github.com/scrypster/helixmcp/internal/router"
	"github.com/scrypster/helixmcp/internal/storage"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Status is the result of a coordinated mutation.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusPartial means the record changed but its embedding linkage
	// could not be confirmed. Re-issuing the same call converges.
	StatusPartial Status = "partial_update"
	// StatusObsolete is reported by Repair when the record no longer exists.
	StatusObsolete Status = "obsolete"
)

// Outcome describes a finished mutation.
type Outcome struct {
	Status      Status         `json:"status"`
	Kind        string         `json:"memory_type"`
	RecordID    string         `json:"id"`
	EmbeddingID string         `json:"embedding_id,omitempty"`
	Attempts    int            `json:"attempts"`
	Record      map[string]any `json:"record,omitempty"`
	Code        string         `json:"code,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Config bounds the embedding group retries.
type Config struct {
	// MaxAttempts is the number of runs of the drop/add/link group. Default: 4
	MaxAttempts int
	// InitialBackoff is the delay before the second run. Default: 200ms
	InitialBackoff time.Duration
}

// Coordinator applies creates and updates of embedded kinds. It holds no
// per-call state and is safe for concurrent use.
type Coordinator struct {
	backend  helix.Backend
	embedder llm.Embedder
	journal  storage.JournalStore
	events   notify.Publisher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	maxAttempts    int
	initialBackoff time.Duration
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithEmbedder computes vectors in this process for add_*_embedding_vector.
func WithEmbedder(e llm.Embedder) Option {
	return func(c *Coordinator) { c.embedder = e }
}

func WithJournal(j storage.JournalStore) Option {
	return func(c *Coordinator) { c.journal = j }
}

func WithPublisher(p notify.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator over backend.
func New(backend helix.Backend, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	c := &Coordinator{
		backend:        backend,
		journal:        storage.NopJournal{},
		events:         notify.Nop{},
		logger:         zap.NewNop(),
		now:            time.Now,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EmbeddingID names the embedding vertex of a record for a given text. The
// same text always maps to the same vertex, which makes the group safe to
// re-run.
func EmbeddingID(k catalog.Kind, recordID, text string) string {
	sum := sha256.Sum256([]byte(text))
	return k.Spec().Ident + "_" + recordID + "_emb_" + hex.EncodeToString(sum[:])[:12]
}

// Apply runs an update plan: the scalar write, then the embedding group when
// a text field changed.
func (c *Coordinator) Apply(ctx context.Context, plan *router.UpdatePlan) (Outcome, error) {
	s := plan.Kind.Spec()
	logger := c.logger.With(zap.String("memory_type", s.Name), zap.String("id", plan.RecordID))

	current, err := c.backend.ExecuteRead(ctx, plan.ReadQuery, map[string]any{s.IDField: plan.RecordID})
	if err != nil {
		return Outcome{}, c.scalarFailed(s, plan.RecordID, err)
	}
	if current.Empty() {
		return Outcome{}, c.scalarFailed(s, plan.RecordID, recordNotFound(plan.ReadQuery, plan.RecordID))
	}

	merged := copyRecord(current.First())
	for k, v := range plan.Updates {
		merged[k] = v
	}

	params := map[string]any{s.IDField: plan.RecordID, catalog.UpdateStamp: c.now().UTC().Format(time.RFC3339)}
	for _, name := range plan.Fields {
		f, ok := s.Field(name)
		if !ok {
			continue
		}
		v, present := merged[name]
		if !present || v == nil {
			params[name] = f.ZeroValue()
			continue
		}
		cv, err := catalog.Coerce(f.Type, v)
		if err != nil {
			return Outcome{}, c.scalarFailed(s, plan.RecordID, apperrors.Wrap(err, apperrors.CodeBackendInvalidResponse,
				"stored value of "+name+" does not match its declared type",
				apperrors.FieldQuery(plan.ReadQuery), apperrors.Field("field", name)))
		}
		params[name] = cv
	}

	res, err := c.backend.Execute(ctx, plan.Query, params)
	if err != nil {
		return Outcome{}, c.scalarFailed(s, plan.RecordID, err)
	}
	if res.Empty() {
		return Outcome{}, c.scalarFailed(s, plan.RecordID, recordNotFound(plan.Query, plan.RecordID))
	}
	record := copyRecord(res.First())
	for k, v := range merged {
		if _, ok := record[k]; !ok {
			record[k] = v
		}
	}
	logger.Debug("scalar update applied", zap.String("query", plan.Query))

	if len(plan.Steps) == 0 {
		c.count(s, StatusSuccess)
		return Outcome{Status: StatusSuccess, Kind: s.Name, RecordID: plan.RecordID, Record: record}, nil
	}

	text := catalog.CompositeText(plan.Kind, record)
	out, vector := c.converge(ctx, plan.Kind, plan.RecordID, text, nil, c.groupOf(s, plan.Steps))
	c.report(ctx, s, out, text, vector)
	out.Record = record
	return out, nil
}

// Create executes a routed create whose directives are already filled, then
// links the embedding for embedded kinds. Create errors are returned
// unchanged; the record does not exist in that case.
func (c *Coordinator) Create(ctx context.Context, d router.Decision) (Outcome, error) {
	s := d.Kind.Spec()
	id, _ := d.Params[s.IDField].(string)

	res, err := c.backend.Execute(ctx, d.Query, d.Params)
	if err != nil {
		c.count(s, "failed")
		return Outcome{}, err
	}
	record := copyRecord(res.First())
	for k, v := range d.Params {
		if _, ok := record[k]; !ok {
			record[k] = v
		}
	}

	if !s.Embedded || len(d.Followups) == 0 {
		c.count(s, StatusSuccess)
		return Outcome{Status: StatusSuccess, Kind: s.Name, RecordID: id, Record: record}, nil
	}

	text := catalog.CompositeText(d.Kind, d.Params)
	out, vector := c.converge(ctx, d.Kind, id, text, nil, c.groupOf(s, d.Followups))
	c.report(ctx, s, out, text, vector)
	out.Record = record
	return out, nil
}

// group is the embedding replacement protocol of one kind.
type group struct {
	drop, add, link, get string
	vector               bool
}

func (c *Coordinator) groupOf(s *catalog.KindSpec, steps []router.Step) group {
	g := group{
		drop:   s.DropEmbeddingQuery(),
		add:    s.AddEmbeddingQuery(c.embedder != nil),
		link:   s.LinkEmbeddingQuery(),
		get:    s.GetEmbeddingQuery(),
		vector: c.embedder != nil,
	}
	for _, st := range steps {
		switch st.Role {
		case router.RoleDropEmbedding:
			g.drop = st.Query
		case router.RoleAddEmbedding:
			g.add, g.vector = st.Query, false
		case router.RoleAddEmbeddingVector:
			g.add, g.vector = st.Query, true
		case router.RoleLinkEmbedding:
			g.link = st.Query
		case router.RoleGetEmbedding:
			g.get = st.Query
		}
	}
	return g
}

// converge runs the drop/add/link group until the record has exactly one
// linked embedding with the target id or the attempt budget is spent.
// Before every rerun the linkage is read back; a group whose last attempt
// failed after the backend applied it is not run again. The vector used, if
// any, is returned with the outcome.
func (c *Coordinator) converge(ctx context.Context, k catalog.Kind, id, text string, vector []float32, g group) (Outcome, []float32) {
	s := k.Spec()
	embID := EmbeddingID(k, id, text)
	logger := c.logger.With(zap.String("memory_type", s.Name), zap.String("id", id), zap.String("embedding_id", embID))
	idParams := map[string]any{s.IDField: id}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if attempts > 0 {
			if ok, err := c.converged(ctx, g, idParams, embID); err == nil && ok {
				logger.Info("embedding group converged on recheck", zap.Int("attempts", attempts))
				return struct{}{}, nil
			}
		}
		attempts++

		if g.vector && vector == nil {
			if c.embedder == nil {
				return struct{}{}, backoff.Permanent(apperrors.New(apperrors.CodeEmbeddingUnavailable,
					"no embedder configured for client-side vectors", apperrors.FieldKind(s.Name)))
			}
			v, err := c.embedder.Embed(ctx, text)
			if err != nil {
				return struct{}{}, err
			}
			vector = v
		}

		if err := c.runGroup(ctx, s, g, id, embID, text, vector); err != nil {
			if apperrors.IsDefect(err) || apperrors.HasCode(err, apperrors.CodeBackendRecordNotFound) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("embedding group failed, retrying",
				zap.Int("attempt", attempts), zap.Duration("next", next), zap.Error(err))
		}),
	)

	if err != nil {
		// The last run may have been applied even though its reply was lost.
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		ok, cerr := c.converged(checkCtx, g, idParams, embID)
		cancel()
		if cerr == nil && ok {
			err = nil
		}
	}

	out := Outcome{Kind: s.Name, RecordID: id, EmbeddingID: embID, Attempts: attempts, Status: StatusSuccess}
	if err != nil {
		out.Status = StatusPartial
		out.Code = string(apperrors.CodeUpdatePartial)
		out.Error = err.Error()
		logger.Error("embedding linkage not confirmed, record left with a stale embedding",
			zap.Int("attempts", attempts), zap.Error(err))
	}
	return out, vector
}

// report counts the outcome, journals partial updates and publishes the
// event.
func (c *Coordinator) report(ctx context.Context, s *catalog.KindSpec, out Outcome, text string, vector []float32) {
	c.count(s, out.Status)

	evt := notify.Event{
		Type: notify.TypeUpdateApplied, Kind: out.Kind, RecordID: out.RecordID, EmbeddingID: out.EmbeddingID,
		Attempts: out.Attempts,
	}
	if out.Status == StatusPartial {
		entry := &storage.JournalEntry{
			Kind: out.Kind, RecordID: out.RecordID, EmbeddingID: out.EmbeddingID, Text: text, Vector: vector,
			Error: out.Error, Attempts: out.Attempts, CreatedAt: c.now().UTC(),
		}
		if err := c.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
			c.logger.Error("failed to journal partial update",
				zap.String("memory_type", out.Kind), zap.String("id", out.RecordID),
				zap.Error(apperrors.Wrap(err, apperrors.CodeJournalFailure, "journal record failed")))
		}
		evt.Type = notify.TypePartialUpdate
		evt.Error = out.Error
	}
	c.events.Publish(evt.Stamp(c.now()))
}

func (c *Coordinator) runGroup(ctx context.Context, s *catalog.KindSpec, g group, id, embID, text string, vector []float32) error {
	target := map[string]any{s.IDField: id, "embedding_id": embID}
	if _, err := c.backend.Execute(ctx, g.drop, target); err != nil {
		return err
	}

	add := map[string]any{s.IDField: id, "embedding_id": embID, "text": text}
	if g.vector {
		add["embedding"] = vector
	}
	if _, err := c.backend.Execute(ctx, g.add, add); err != nil {
		return err
	}

	_, err := c.backend.Execute(ctx, g.link, target)
	return err
}

// converged reports whether the record links exactly one embedding and it
// is embID.
func (c *Coordinator) converged(ctx context.Context, g group, idParams map[string]any, embID string) (bool, error) {
	res, err := c.backend.Execute(ctx, g.get, idParams)
	if err != nil {
		return false, err
	}
	if len(res.Rows) != 1 {
		return false, nil
	}
	row := res.Rows[0]
	for _, key := range []string{"embedding_id", "id"} {
		if v, ok := row[key].(string); ok {
			return v == embID, nil
		}
	}
	return false, nil
}

// Repair replays the embedding group for a journal entry and marks it
// repaired once the linkage is confirmed. Entries whose record was deleted
// are marked repaired as obsolete.
func (c *Coordinator) Repair(ctx context.Context, entry storage.JournalEntry) (Outcome, error) {
	k, ok := catalog.ParseKind(entry.Kind)
	if !ok || !k.Spec().Embedded {
		return Outcome{}, apperrors.New(apperrors.CodeRouterToolUnsupported,
			"journal entry has no embedded memory type", apperrors.FieldKind(entry.Kind))
	}
	s := k.Spec()

	current, err := c.backend.ExecuteRead(ctx, s.GetQuery(), map[string]any{s.IDField: entry.RecordID})
	if apperrors.HasCode(err, apperrors.CodeBackendRecordNotFound) || (err == nil && current.Empty()) {
		if err := c.journal.MarkRepaired(ctx, entry.ID, c.now().UTC()); err != nil {
			return Outcome{}, apperrors.Wrap(err, apperrors.CodeJournalFailure, "failed to resolve journal entry")
		}
		c.logger.Info("journal entry refers to a deleted record",
			zap.Int64("entry", entry.ID), zap.String("id", entry.RecordID))
		return Outcome{Status: StatusObsolete, Kind: s.Name, RecordID: entry.RecordID, EmbeddingID: entry.EmbeddingID}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	var vector []float32
	if len(entry.Vector) > 0 && c.embedder != nil {
		vector = entry.Vector
	}
	out, _ := c.converge(ctx, k, entry.RecordID, entry.Text, vector, c.groupOf(s, nil))
	c.count(s, out.Status)
	if out.Status != StatusSuccess {
		return out, nil
	}

	if err := c.journal.MarkRepaired(ctx, entry.ID, c.now().UTC()); err != nil {
		return out, apperrors.Wrap(err, apperrors.CodeJournalFailure, "failed to mark journal entry repaired")
	}
	c.events.Publish(notify.Event{
		Type: notify.TypeRepaired, Kind: s.Name, RecordID: entry.RecordID, EmbeddingID: out.EmbeddingID,
		Attempts: out.Attempts,
	}.Stamp(c.now()))
	return out, nil
}

// RepairReport summarises a RepairPending run.
type RepairReport struct {
	Repaired int
	Obsolete int
	Failed   int
}

// RepairPending replays up to limit pending journal entries of kind (empty
// for all kinds).
func (c *Coordinator) RepairPending(ctx context.Context, kind string, limit int) (RepairReport, error) {
	var report RepairReport
	entries, err := c.journal.ListPending(ctx, storage.ListOptions{Kind: kind, Limit: limit})
	if err != nil {
		return report, apperrors.Wrap(err, apperrors.CodeJournalFailure, "failed to list journal")
	}

	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := c.Repair(ctx, e)
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, err)
		case out.Status == StatusObsolete:
			report.Obsolete++
		case out.Status == StatusSuccess:
			report.Repaired++
		default:
			report.Failed++
		}
	}
	return report, errors.Join(errs...)
}

func (c *Coordinator) scalarFailed(s *catalog.KindSpec, id string, err error) error {
	c.count(s, "failed")
	if apperrors.HasCode(err, apperrors.CodeBackendRecordNotFound) {
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeUpdateScalarFailure, "scalar update failed",
		apperrors.FieldKind(s.Name), apperrors.Field("id", id))
}

func (c *Coordinator) count(s *catalog.KindSpec, status Status) {
	if c.metrics != nil {
		c.metrics.Updates.WithLabelValues(s.Name, string(status)).Inc()
	}
}

func recordNotFound(query, id string) error {
	return apperrors.New(apperrors.CodeBackendRecordNotFound, "record not found: "+id,
		apperrors.FieldQuery(query), apperrors.Field("id", id))
}

func copyRecord(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
