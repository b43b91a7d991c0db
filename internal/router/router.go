// Package router maps an MCP tool invocation to the backend queries that
// implement it. Routing is a pure function of the invocation and the
// router's immutable configuration: it performs no I/O, issues no ids and
// reads no clock. Values that must be generated at execution time are
// expressed as directives on the Decision.
package router

import (
	"strings"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Mode selects where embeddings are computed.
type Mode string

const (
	// ModeHelixDB lets the backend embed text with its Embed directive.
	ModeHelixDB Mode = "helixdb"
	// ModeMCP embeds in this process and sends vectors to the backend.
	ModeMCP Mode = "mcp"
)

// Op classifies what executing a Decision does.
type Op string

const (
	OpSession Op = "session"
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpQuery   Op = "query"
	OpSearch  Op = "search"
	OpRaw     Op = "raw"
)

// Invocation is one tools/call request.
type Invocation struct {
	Tool string
	// MemoryType overrides args["memory_type"] when set.
	MemoryType string
	Args       map[string]any
}

// StepRole names the part a follow-up query plays in the embedding group.
type StepRole string

const (
	RoleDropEmbedding      StepRole = "drop_embedding"
	RoleAddEmbedding       StepRole = "add_embedding"
	RoleAddEmbeddingVector StepRole = "add_embedding_vector"
	RoleLinkEmbedding      StepRole = "link_embedding"
	RoleGetEmbedding       StepRole = "get_embedding"
)

// Step is a follow-up query executed after the primary one.
type Step struct {
	Role  StepRole
	Query string
}

// IDDirective asks the executor to fill Field with Prefix + a new UUID.
type IDDirective struct {
	Field  string
	Prefix string
}

// EmbedDirective asks the executor to embed Text and send the vector as
// param Target.
type EmbedDirective struct {
	Text   string
	Target string
}

// FilterOp is a client-side comparison.
type FilterOp string

const (
	FilterEq  FilterOp = "eq"
	FilterGTE FilterOp = "gte"
	FilterLTE FilterOp = "lte"
)

// ClientFilter is applied by the executor to rows the backend returned.
type ClientFilter struct {
	Field string
	Op    FilterOp
	Value any
}

// UpdatePlan is handed to the consistency coordinator.
type UpdatePlan struct {
	Kind     catalog.Kind
	RecordID string
	// ReadQuery fetches the current record; the variant query needs every
	// one of its fields, not only the changed ones.
	ReadQuery string
	Query     string
	Fields    []string
	Updates   map[string]any
	// TextChanged reports whether any update feeds the composite text.
	TextChanged bool
	Steps       []Step
}

// Decision is the routed form of an Invocation.
type Decision struct {
	Tool   string
	Kind   catalog.Kind
	Op     Op
	Query  string
	Params map[string]any

	// SessionID is the registry session a session op targets.
	SessionID string

	Followups []Step
	Generate  []IDDirective
	Stamp     []string
	Embed     *EmbedDirective
	FanOut    []Decision
	Filters   []ClientFilter
	// Limit truncates query results client-side; 0 means no limit.
	Limit  int
	Search catalog.SearchFamily
	Update *UpdatePlan
}

type routeKey struct {
	tool string
	kind catalog.Kind
}

type buildFunc func(r *Router, t *tool, k catalog.Kind, a *args) (Decision, error)

// Router is immutable after New and safe for concurrent use.
type Router struct {
	catalog *catalog.Catalog
	mode    Mode
	tools   map[string]*tool
	order   []string
	routes  map[routeKey]buildFunc
}

// New builds the routing table and checks every entry against the query
// catalogue. A mismatch means the router would send a query the backend
// cannot decode, so the error is fatal at startup.
func New(cat *catalog.Catalog, mode Mode) (*Router, error) {
	r := build(cat, mode)
	if problems := r.Check(); len(problems) > 0 {
		lines := make([]string, len(problems))
		for i, p := range problems {
			lines[i] = p.Error()
		}
		return nil, apperrors.New(apperrors.CodeRouterCatalogMismatch,
			"routing table does not match the query catalogue:\n  "+strings.Join(lines, "\n  "),
			apperrors.Field("mismatches", len(problems)))
	}
	return r, nil
}

// Mode reports the embedding mode the router was built for.
func (r *Router) Mode() Mode { return r.mode }

// Catalog returns the catalogue the router was validated against.
func (r *Router) Catalog() *catalog.Catalog { return r.catalog }

// Route resolves an invocation. Every validation failure is reported before
// any backend call; identical invocations yield deeply equal decisions.
func (r *Router) Route(inv Invocation) (Decision, error) {
	t, ok := r.tools[inv.Tool]
	if !ok {
		return Decision{}, unsupported(inv.Tool, "")
	}

	a := newArgs(inv.Tool, inv.Args)
	kind := catalog.KindNone
	if t.keyed {
		memoryType := inv.MemoryType
		if memoryType == "" {
			v, err := a.required("memory_type", catalog.TypeString)
			if err != nil {
				return Decision{}, err
			}
			memoryType = v.(string)
		}
		a.use("memory_type")

		if strings.EqualFold(strings.TrimSpace(memoryType), "all") && t.fanOut {
			return r.routeAll(t, a)
		}
		k, ok := catalog.ParseKind(memoryType)
		if !ok {
			return Decision{}, unsupported(inv.Tool, memoryType)
		}
		kind = k
	}

	fn, ok := r.routes[routeKey{tool: inv.Tool, kind: kind}]
	if !ok {
		return Decision{}, unsupported(inv.Tool, kind.String())
	}
	d, err := fn(r, t, kind, a)
	if err != nil {
		return Decision{}, err
	}
	if err := a.rejectUnknown(); err != nil {
		return Decision{}, err
	}
	d.Tool = inv.Tool
	if t.keyed {
		d.Kind = kind
	}
	return d, nil
}

// routeAll fans a query tool out over every kind of its family.
func (r *Router) routeAll(t *tool, a *args) (Decision, error) {
	if _, present := a.m["filters"]; present {
		return Decision{}, apperrors.New(apperrors.CodeRouterFieldInvalid,
			"filters are not supported with memory_type all",
			apperrors.Field("field", "filters"), apperrors.Field("tool", t.name))
	}

	d := Decision{Tool: t.name, Kind: catalog.KindNone, Op: OpQuery}
	for _, k := range t.kinds {
		sub := newArgs(t.name, a.m)
		sub.use("memory_type")
		child, err := buildQuery(r, t, k, sub)
		if err != nil {
			return Decision{}, err
		}
		if err := sub.rejectUnknown(); err != nil {
			return Decision{}, err
		}
		child.Tool = t.name
		child.Kind = k
		d.FanOut = append(d.FanOut, child)
	}
	return d, nil
}

func unsupported(tool, memoryType string) error {
	msg := "unsupported tool " + tool
	if memoryType != "" {
		msg += " for memory_type " + memoryType
	}
	return apperrors.New(apperrors.CodeRouterToolUnsupported, msg,
		apperrors.Field("tool", tool), apperrors.FieldKind(memoryType))
}
