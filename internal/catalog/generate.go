package catalog

// Traversal endpoints and their data fields. Every one of them also takes the
// backend connection_id.
var TraversalSteps = []Query{
	{Name: "mcp/n_from_type", Params: params(p("node_type", TypeString))},
	{Name: "mcp/e_from_type", Params: params(p("edge_type", TypeString))},
	{Name: "mcp/out_step", Params: params(p("edge_label", TypeString), p("edge_type", TypeString))},
	{Name: "mcp/out_e_step", Params: params(p("edge_label", TypeString))},
	{Name: "mcp/in_step", Params: params(p("edge_label", TypeString), p("edge_type", TypeString))},
	{Name: "mcp/in_e_step", Params: params(p("edge_label", TypeString))},
	{Name: "mcp/filter_items", Params: params(p("filter", TypeObject))},
	{Name: "mcp/search_vector", Params: params(p("vector", TypeFloats), p("k", TypeInt))},
	{Name: "mcp/search_vector_text", Params: params(p("query", TypeString), p("label", TypeString), opt("k", TypeInt))},
	{Name: "mcp/search_keyword", Params: params(p("query", TypeString), p("label", TypeString), p("limit", TypeInt))},
}

// Generate derives the full catalogue from the kind table. The embedded
// queries.yaml must describe the same set; Diff reports drift.
func Generate() *Catalog {
	c := &Catalog{queries: make(map[string]*Query)}
	add := func(name string, mutates, raw bool, ps ...Param) {
		c.queries[name] = &Query{Name: name, Mutates: mutates, Raw: raw, Params: params(ps...)}
	}

	conn := p("connection_id", TypeID)
	add("mcp/init", false, false)
	add("mcp/next", false, false, conn)
	add("mcp/collect", false, false, conn, opt("drop", TypeBool), opt("range", TypeObject))
	add("mcp/reset", false, false, conn)
	add("mcp/schema_resource", false, false, conn)
	for _, step := range TraversalSteps {
		ps := []Param{conn}
		for _, sp := range step.Params {
			ps = append(ps, sp)
		}
		add(step.Name, false, false, ps...)
	}

	for _, k := range Kinds() {
		s := k.Spec()
		id := p(s.IDField, TypeID)

		create := make([]Param, 0, len(s.Parents)+len(s.Fields)+3)
		for _, parent := range s.Parents {
			create = append(create, p(parent, TypeID))
		}
		create = append(create, id)
		for _, f := range s.Fields {
			create = append(create, p(f.Name, f.Type))
		}
		for _, stamp := range CreateStamps {
			create = append(create, p(stamp, TypeString))
		}
		add(s.CreateQuery, true, false, create...)
		add(s.GetQuery(), false, true, id)
		add(s.DeleteQuery(), true, false, id)

		if tenant := s.Tenant(); tenant != "" {
			add(s.ListQuery(), false, true, p(tenant, TypeID))
			if s.RangeField != "" {
				add(s.RangeQuery(), false, true, p(tenant, TypeID),
					p("min_"+s.RangeField, TypeFloat), p("max_"+s.RangeField, TypeFloat))
			}
		}

		for _, v := range s.UpdateVariants {
			ps := []Param{id, p(UpdateStamp, TypeString)}
			for _, name := range v.Fields {
				f, _ := s.Field(name)
				ps = append(ps, p(f.Name, f.Type))
			}
			add(v.Query, true, false, ps...)
		}

		if !s.Embedded {
			continue
		}
		embID := p("embedding_id", TypeID)
		text := p("text", TypeString)
		add(s.DropEmbeddingQuery(), true, false, id, embID)
		add(s.AddEmbeddingQuery(false), true, false, id, embID, text)
		add(s.AddEmbeddingQuery(true), true, false, id, embID, text, p("embedding", TypeFloats))
		add(s.LinkEmbeddingQuery(), true, false, id, embID)
		add(s.GetEmbeddingQuery(), false, true, id)

		tenant := p(s.Tenant(), TypeID)
		queryText := p("query_text", TypeString)
		limit := p("limit", TypeInt)
		if s.Searchable(SearchBM25) {
			add(s.SearchQuery(SearchBM25, false), false, true, tenant, queryText, limit)
		}
		if s.Searchable(SearchSemantic) {
			add(s.SearchQuery(SearchSemantic, false), false, true, tenant, queryText, p("k", TypeInt))
		}
		if s.Searchable(SearchHybrid) {
			lo, hi := p("min_"+s.RangeField, TypeFloat), p("max_"+s.RangeField, TypeFloat)
			add(s.SearchQuery(SearchHybrid, false), false, true, tenant, queryText, limit, lo, hi)
			add(s.SearchQuery(SearchHybrid, true), false, true, tenant,
				p("query_embedding", TypeFloats), limit, lo, hi)
		}
	}
	return c
}

func p(name string, t FieldType) Param   { return Param{Name: name, Type: t} }
func opt(name string, t FieldType) Param { return Param{Name: name, Type: t, Optional: true} }

func params(ps ...Param) map[string]Param {
	m := make(map[string]Param, len(ps))
	for _, x := range ps {
		m[x.Name] = x
	}
	return m
}
