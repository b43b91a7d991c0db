// Package helixtest provides an in-memory HelixDB stand-in for tests. It
// implements every query of the embedded catalogue over a tiny graph of
// nodes, edges and embedding vertices, validates params against the
// catalogue the way the real backend's decoder does, and can inject
// failures per query.
package helixtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/helix"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Call is one recorded query.
type Call struct {
	Query  string
	Params map[string]any
}

// HandlerFunc overrides the built-in behaviour of a query.
type HandlerFunc func(params map[string]any) (any, error)

// Node is a record vertex.
type Node struct {
	ID    string
	Label string
	Props map[string]any
}

// Edge connects two vertices by id.
type Edge struct {
	Label string
	From  string
	To    string
}

// Embedding is a vector vertex.
type Embedding struct {
	ID     string
	Text   string
	Vector []float64
}

type connection struct {
	pending []map[string]any
}

// Fake is an in-memory backend. It is safe for concurrent use.
type Fake struct {
	catalog *catalog.Catalog

	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	overrides  map[string]HandlerFunc
	failures   map[string][]error
	calls      []Call
	nodes      map[string]*Node
	order      []string
	edges      []Edge
	embeddings map[string]*Embedding
	conns      map[string]*connection
	seq        int
}

// New creates an empty backend serving the embedded catalogue.
func New() *Fake {
	f := &Fake{
		catalog:    catalog.MustLoad(),
		handlers:   make(map[string]HandlerFunc),
		overrides:  make(map[string]HandlerFunc),
		failures:   make(map[string][]error),
		nodes:      make(map[string]*Node),
		embeddings: make(map[string]*Embedding),
		conns:      make(map[string]*connection),
	}
	f.registerSession()
	for _, k := range catalog.Kinds() {
		f.registerKind(k.Spec())
	}
	return f
}

// Execute runs a query against the in-memory graph.
func (f *Fake) Execute(ctx context.Context, query string, params any) (*helix.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeBackendUnavailable, "request cancelled",
			apperrors.FieldQuery(query))
	}

	p, err := toMap(params)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeBackendDecodeFailure, "failed to decode body",
			apperrors.FieldQuery(query))
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Query: query, Params: p})
	if queued := f.failures[query]; len(queued) > 0 {
		f.failures[query] = queued[1:]
		f.mu.Unlock()
		return nil, queued[0]
	}
	override := f.overrides[query]
	f.mu.Unlock()

	if override != nil {
		v, err := override(p)
		if err != nil {
			return nil, err
		}
		return encode(v)
	}

	if err := f.checkParams(query, p); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[query]
	if !ok {
		return nil, QueryNotFound(query)
	}
	v, err := h(p)
	if err != nil {
		return nil, err
	}
	return encode(v)
}

// ExecuteRead is Execute; the fake never fails transiently on its own.
func (f *Fake) ExecuteRead(ctx context.Context, query string, params any) (*helix.Result, error) {
	return f.Execute(ctx, query, params)
}

// Fail makes the next n calls of query return err.
func (f *Fake) Fail(query string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures[query] = append(f.failures[query], err)
	}
}

// Handle replaces the behaviour of query. Overrides skip param checks.
func (f *Fake) Handle(query string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[query] = fn
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Queries returns the names of every recorded call in order.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i] = c.Query
	}
	return names
}

// CallCount counts recorded calls of query.
func (f *Fake) CallCount(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Query == query {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded calls.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// AddNode inserts a vertex; props are copied.
func (f *Fake) AddNode(label, id string, props map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putNode(label, id, props)
}

// AddEdge inserts an edge.
func (f *Fake) AddEdge(label, from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges, Edge{Label: label, From: from, To: to})
}

// Node returns a copy of the vertex with id.
func (f *Fake) Node(id string) (Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return Node{}, false
	}
	return Node{ID: n.ID, Label: n.Label, Props: copyMap(n.Props)}, true
}

// LinkedEmbeddings returns the embedding vertices linked from id.
func (f *Fake) LinkedEmbeddings(id string) []Embedding {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Embedding
	for _, e := range f.edges {
		if e.From != id {
			continue
		}
		if emb, ok := f.embeddings[e.To]; ok {
			out = append(out, *emb)
		}
	}
	return out
}

// EmbeddingCount is the number of embedding vertices, linked or not.
func (f *Fake) EmbeddingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.embeddings)
}

// EdgesFrom counts edges with label leaving id.
func (f *Fake) EdgesFrom(id, label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.edges {
		if e.From == id && e.Label == label {
			n++
		}
	}
	return n
}

// Pending returns the pending result set of a backend connection.
func (f *Fake) Pending(connectionID string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[connectionID]
	if !ok {
		return nil
	}
	return append([]map[string]any(nil), c.pending...)
}

// checkParams mirrors the backend's strict body decoder.
func (f *Fake) checkParams(query string, p map[string]any) error {
	q, ok := f.catalog.Query(query)
	if !ok {
		return QueryNotFound(query)
	}

	flat := p
	if data, ok := p["data"].(map[string]any); ok && strings.HasPrefix(query, "mcp/") {
		flat = copyMap(data)
		flat["connection_id"] = p["connection_id"]
	}

	for name, param := range q.Params {
		v, present := flat[name]
		if !present {
			if param.Optional {
				continue
			}
			return DecodeFailure(query, fmt.Sprintf("missing field `%s`", name))
		}
		if v == nil && param.Optional {
			continue
		}
		if _, err := catalog.Coerce(param.Type, v); err != nil {
			return DecodeFailure(query, fmt.Sprintf("invalid type for `%s`: %v", name, err))
		}
	}
	for name := range flat {
		if _, declared := q.Params[name]; !declared {
			return DecodeFailure(query, fmt.Sprintf("unknown field `%s`", name))
		}
	}
	return nil
}

func (f *Fake) putNode(label, id string, props map[string]any) *Node {
	n := &Node{ID: id, Label: label, Props: copyMap(props)}
	n.Props["id"] = id
	n.Props["label"] = label
	if _, exists := f.nodes[id]; !exists {
		f.order = append(f.order, id)
	}
	f.nodes[id] = n
	return n
}

func (f *Fake) deleteNode(id string) {
	delete(f.nodes, id)
	for i, oid := range f.order {
		if oid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	kept := f.edges[:0]
	for _, e := range f.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	f.edges = kept
}

// nodesByLabel returns vertices with label in insertion order.
func (f *Fake) nodesByLabel(label string) []*Node {
	var out []*Node
	for _, id := range f.order {
		if n := f.nodes[id]; n.Label == label {
			out = append(out, n)
		}
	}
	return out
}

// QueryNotFound is the error the client produces for a 404.
func QueryNotFound(query string) error {
	return apperrors.New(apperrors.CodeBackendQueryNotFound, fmt.Sprintf("backend does not declare query %q", query),
		apperrors.FieldQuery(query), apperrors.Field("status", 404))
}

// DecodeFailure is the error the client produces for a param mismatch.
func DecodeFailure(query, detail string) error {
	return apperrors.New(apperrors.CodeBackendDecodeFailure, "backend could not decode params: "+detail,
		apperrors.FieldQuery(query), apperrors.Field("status", 500), apperrors.Field("detail", detail))
}

// Unavailable is a transient failure.
func Unavailable(query string) error {
	return apperrors.New(apperrors.CodeBackendUnavailable, "backend unavailable (503)",
		apperrors.FieldQuery(query), apperrors.Field("status", 503))
}

// Rejected is a constraint failure.
func Rejected(query, detail string) error {
	return apperrors.New(apperrors.CodeBackendRejected, "backend rejected query: "+detail,
		apperrors.FieldQuery(query), apperrors.Field("status", 400), apperrors.Field("detail", detail))
}

// RecordNotFound is the backend's answer to a lookup of a missing record.
func RecordNotFound(query, id string) error {
	return apperrors.New(apperrors.CodeBackendRecordNotFound, "record not found: "+id,
		apperrors.FieldQuery(query), apperrors.Field("status", 500), apperrors.Field("detail", "No value found"))
}

func toMap(params any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encode(v any) (*helix.Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return helix.DecodeResult(raw)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedIDs(m map[string]*Embedding) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ helix.Backend = (*Fake)(nil)
