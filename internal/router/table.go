package router

import (
	"strings"

	"github.com/scrypster/helixmcp/internal/catalog"
)

type argSpec struct {
	name        string
	typ         catalog.FieldType
	required    bool
	description string
}

type tool struct {
	name        string
	description string
	op          Op
	// keyed tools select their kind with memory_type.
	keyed  bool
	fanOut bool
	kinds  []catalog.Kind
	args   []argSpec

	// session tools
	query string
	data  []catalog.Param

	search catalog.SearchFamily
}

func build(cat *catalog.Catalog, mode Mode) *Router {
	r := &Router{
		catalog: cat,
		mode:    mode,
		tools:   make(map[string]*tool),
		routes:  make(map[routeKey]buildFunc),
	}

	r.registerSessionTools()

	business := catalog.FamilyKinds(catalog.FamilyBusiness)
	customer := catalog.FamilyKinds(catalog.FamilyCustomer)
	tenanted := append(append([]catalog.Kind{}, business...), customer...)

	r.keyed(&tool{
		name:        "create_business_memory",
		description: "Create a business memory. data holds business_id, the memory id and the fields of the memory type.",
		op:          OpCreate,
		args:        []argSpec{{name: "data", typ: catalog.TypeObject, required: true, description: "Record fields"}},
	}, business, buildCreate)
	r.keyed(&tool{
		name:        "create_customer_memory",
		description: "Create a customer memory. data holds customer_id and the fields of the memory type; the memory id is generated.",
		op:          OpCreate,
		args:        []argSpec{{name: "data", typ: catalog.TypeObject, required: true, description: "Record fields"}},
	}, customer, buildCreate)

	updateArgs := []argSpec{
		{name: "memory_id", typ: catalog.TypeID, required: true, description: "Id of the memory to update"},
		{name: "updates", typ: catalog.TypeObject, required: true, description: "Fields to change"},
	}
	r.keyed(&tool{
		name:        "update_business_memory",
		description: "Update fields of a business memory and refresh its embedding when descriptive text changes.",
		op:          OpUpdate,
		args:        updateArgs,
	}, updatable(business), buildUpdate)
	r.keyed(&tool{
		name:        "update_customer_memory",
		description: "Update fields of a customer memory and refresh its embedding when descriptive text changes.",
		op:          OpUpdate,
		args:        updateArgs,
	}, updatable(customer), buildUpdate)

	queryArgs := func(tenant string) []argSpec {
		return []argSpec{
			{name: tenant, typ: catalog.TypeID, required: true, description: "Owner id"},
			{name: "filters", typ: catalog.TypeObject, description: "Equality filters, <field>_gte/<field>_lte bounds, min_price/max_price"},
			{name: "limit", typ: catalog.TypeInt, description: "Maximum results per memory type"},
		}
	}
	r.keyed(&tool{
		name:        "query_business_memory",
		description: "List business memories of one type, or of every type with memory_type \"all\".",
		op:          OpQuery,
		fanOut:      true,
		args:        queryArgs("business_id"),
	}, business, buildQuery)
	r.keyed(&tool{
		name:        "query_customer_memory",
		description: "List customer memories of one type, or of every type with memory_type \"all\".",
		op:          OpQuery,
		fanOut:      true,
		args:        queryArgs("customer_id"),
	}, customer, buildQuery)

	all := catalog.Kinds()
	r.keyed(&tool{
		name:        "delete_memory",
		description: "Delete a memory together with its embedding.",
		op:          OpDelete,
		args:        []argSpec{{name: "memory_id", typ: catalog.TypeID, required: true, description: "Id of the memory to delete"}},
	}, all, buildDelete)

	searchArgs := []argSpec{
		{name: "business_id", typ: catalog.TypeID, description: "Owner id for business memory types"},
		{name: "customer_id", typ: catalog.TypeID, description: "Owner id for customer memory types"},
		{name: "query_text", typ: catalog.TypeString, description: "Search text"},
	}
	r.keyed(&tool{
		name:        "search_bm25",
		description: "Keyword (BM25) search over one memory type.",
		op:          OpSearch,
		search:      catalog.SearchBM25,
		args:        append(append([]argSpec{}, searchArgs...), argSpec{name: "limit", typ: catalog.TypeInt, description: "Maximum results (default 10)"}),
	}, searchable(tenanted, catalog.SearchBM25), buildSearch)
	r.keyed(&tool{
		name:        "search_semantic",
		description: "Vector similarity search over one memory type; the backend embeds query_text.",
		op:          OpSearch,
		search:      catalog.SearchSemantic,
		args:        append(append([]argSpec{}, searchArgs...), argSpec{name: "k", typ: catalog.TypeInt, description: "Number of neighbours (default 10)"}),
	}, searchable(tenanted, catalog.SearchSemantic), buildSearch)
	r.keyed(&tool{
		name:        "search_hybrid",
		description: "Vector search combined with a price range over products, services or events.",
		op:          OpSearch,
		search:      catalog.SearchHybrid,
		args: append(append([]argSpec{}, searchArgs...),
			argSpec{name: "query_embedding", typ: catalog.TypeFloats, description: "Precomputed query vector"},
			argSpec{name: "limit", typ: catalog.TypeInt, description: "Maximum results (default 10)"},
			argSpec{name: "min_price", typ: catalog.TypeFloat, description: "Lower price bound"},
			argSpec{name: "max_price", typ: catalog.TypeFloat, description: "Upper price bound"},
		),
	}, searchable(tenanted, catalog.SearchHybrid), buildSearch)

	for _, k := range append(catalog.FamilyKinds(catalog.FamilyInteraction), catalog.FamilyKinds(catalog.FamilyNavigation)...) {
		r.typed(k)
	}

	r.add(&tool{
		name:        "do_query",
		description: "Run a read-only catalogue query by name with explicit params.",
		op:          OpRaw,
		args: []argSpec{
			{name: "query", typ: catalog.TypeString, required: true, description: "Query name"},
			{name: "params", typ: catalog.TypeObject, description: "Query params"},
		},
	}, buildRaw)

	return r
}

func (r *Router) add(t *tool, fn buildFunc) {
	r.tools[t.name] = t
	r.order = append(r.order, t.name)
	r.routes[routeKey{tool: t.name, kind: catalog.KindNone}] = fn
}

func (r *Router) keyed(t *tool, kinds []catalog.Kind, fn buildFunc) {
	t.keyed = true
	t.kinds = kinds
	r.tools[t.name] = t
	r.order = append(r.order, t.name)
	for _, k := range kinds {
		r.routes[routeKey{tool: t.name, kind: k}] = fn
	}
}

// typed registers the create tool of an interaction or navigation kind.
// Its arguments are the record fields themselves.
func (r *Router) typed(k catalog.Kind) {
	s := k.Spec()
	name := "create_" + s.Ident
	if s.Family == catalog.FamilyInteraction {
		name = "create_customer_" + s.Ident
	}
	t := &tool{
		name:        name,
		description: "Create a " + strings.ReplaceAll(s.Name, "-", " ") + " record.",
		op:          OpCreate,
		kinds:       []catalog.Kind{k},
	}
	for _, parent := range s.Parents {
		t.args = append(t.args, argSpec{name: parent, typ: catalog.TypeID, required: true, description: "Parent reference"})
	}
	for _, f := range s.Fields {
		t.args = append(t.args, argSpec{name: f.Name, typ: f.Type, required: f.Required})
	}
	r.add(t, func(r *Router, _ *tool, _ catalog.Kind, a *args) (Decision, error) {
		d, err := createDecision(r, k, a)
		d.Kind = k
		return d, err
	})
}

func (r *Router) registerSessionTools() {
	sid := argSpec{name: "session_id", typ: catalog.TypeID, required: true, description: "Session id returned by init"}

	r.add(&tool{name: "init", description: "Open a traversal session.", op: OpSession, query: "mcp/init"}, buildSession)
	for _, s := range []struct{ name, query, description string }{
		{"next", "mcp/next", "Return the next item of the current traversal."},
		{"collect", "mcp/collect", "Return every remaining item of the current traversal."},
		{"reset", "mcp/reset", "Clear the traversal state of a session."},
		{"schema_resource", "mcp/schema_resource", "Describe the node and edge types visible to the session."},
		{"close", "mcp/collect", "Close a session and release its backend cursor."},
	} {
		r.add(&tool{name: s.name, description: s.description, op: OpSession, query: s.query, args: []argSpec{sid}}, buildSession)
	}

	for _, step := range catalog.TraversalSteps {
		name := strings.TrimPrefix(step.Name, "mcp/")
		t := &tool{
			name:        name,
			description: "Traversal step " + name + "; results are read with next or collect.",
			op:          OpSession,
			query:       step.Name,
			args:        []argSpec{sid},
		}
		for _, pname := range sortedKeys(step.Params) {
			p := step.Params[pname]
			t.data = append(t.data, p)
			t.args = append(t.args, argSpec{name: p.Name, typ: p.Type, required: !p.Optional})
		}
		r.add(t, buildSession)
	}
}

func updatable(kinds []catalog.Kind) []catalog.Kind {
	var out []catalog.Kind
	for _, k := range kinds {
		if k.Spec().Updatable() {
			out = append(out, k)
		}
	}
	return out
}

func searchable(kinds []catalog.Kind, family catalog.SearchFamily) []catalog.Kind {
	var out []catalog.Kind
	for _, k := range kinds {
		if k.Spec().Searchable(family) {
			out = append(out, k)
		}
	}
	return out
}
