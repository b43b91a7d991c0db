package router

import (
	"math"
	"strings"

	"github.com/scrypster/helixmcp/internal/catalog"
)

const defaultSearchLimit = 10

func buildCreate(r *Router, t *tool, k catalog.Kind, a *args) (Decision, error) {
	data, err := a.required("data", catalog.TypeObject)
	if err != nil {
		return Decision{}, err
	}
	return createDecision(r, k, newArgs(t.name, data.(map[string]any)))
}

// createDecision validates record fields for kind k. Omitted optional fields
// are sent with their defaults since the backend requires every declared
// parameter.
func createDecision(r *Router, k catalog.Kind, fa *args) (Decision, error) {
	s := k.Spec()
	if s.Generated() && fa.present(s.IDField) {
		return Decision{}, forbidden(fa.tool, s.IDField, "is generated by the server")
	}

	params := make(map[string]any, len(s.Parents)+len(s.Fields)+1)
	for _, parent := range s.Parents {
		v, err := fa.required(parent, catalog.TypeID)
		if err != nil {
			return Decision{}, err
		}
		params[parent] = v
	}
	if !s.Generated() {
		v, err := fa.required(s.IDField, catalog.TypeID)
		if err != nil {
			return Decision{}, err
		}
		params[s.IDField] = v
	}

	for _, f := range s.Fields {
		if !fa.present(f.Name) {
			fa.use(f.Name)
			if f.Required {
				return Decision{}, missing(fa.tool, f.Name)
			}
			params[f.Name] = f.ZeroValue()
			continue
		}
		v, err := fa.required(f.Name, f.Type)
		if err != nil {
			return Decision{}, err
		}
		if f.Required && v == "" {
			return Decision{}, missing(fa.tool, f.Name)
		}
		params[f.Name] = v
	}
	if err := fa.rejectUnknown(); err != nil {
		return Decision{}, err
	}

	d := Decision{
		Op:     OpCreate,
		Query:  s.CreateQuery,
		Params: params,
		Stamp:  append([]string(nil), catalog.CreateStamps...),
	}
	if s.Generated() {
		d.Generate = []IDDirective{{Field: s.IDField, Prefix: s.IDPrefix}}
	}
	if s.Embedded {
		d.Followups = r.embeddingSteps(s)
	}
	return d, nil
}

func buildUpdate(r *Router, t *tool, k catalog.Kind, a *args) (Decision, error) {
	s := k.Spec()

	idv, err := a.required("memory_id", catalog.TypeID)
	if err != nil {
		return Decision{}, err
	}
	id := idv.(string)

	uv, err := a.required("updates", catalog.TypeObject)
	if err != nil {
		return Decision{}, err
	}
	raw := uv.(map[string]any)
	if len(raw) == 0 {
		return Decision{}, invalid(t.name, "updates", "must not be empty")
	}

	keys := sortedKeys(raw)
	updates := make(map[string]any, len(raw))
	textChanged := false
	for _, key := range keys {
		switch {
		case key == s.IDField || contains(s.Parents, key):
			return Decision{}, forbidden(t.name, key, "cannot be changed")
		case key == catalog.UpdateStamp || key == "created_at":
			return Decision{}, forbidden(t.name, key, "is maintained by the server")
		}
		f, ok := s.Field(key)
		if !ok {
			return Decision{}, unknown(t.name, key)
		}
		if raw[key] == nil {
			return Decision{}, invalid(t.name, key, "must not be null")
		}
		v, err := coerce(t.name, key, f.Type, raw[key])
		if err != nil {
			return Decision{}, err
		}
		updates[key] = v

		if s.IsTextField(key) || (key == "currency" && s.RangeField != "" && s.IsTextField(s.RangeField)) {
			textChanged = true
		}
	}

	variant := pickVariant(s, keys)

	params := map[string]any{s.IDField: id}
	planUpdates := make(map[string]any, len(updates))
	for key, v := range updates {
		params[key] = v
		planUpdates[key] = v
	}

	var steps []Step
	if s.Embedded && textChanged {
		steps = r.embeddingSteps(s)
	}

	return Decision{
		Op:        OpUpdate,
		Query:     variant.Query,
		Params:    params,
		Stamp:     []string{catalog.UpdateStamp},
		Followups: steps,
		Update: &UpdatePlan{
			Kind:        k,
			RecordID:    id,
			ReadQuery:   s.GetQuery(),
			Query:       variant.Query,
			Fields:      append([]string(nil), variant.Fields...),
			Updates:     planUpdates,
			TextChanged: textChanged,
			Steps:       append([]Step(nil), steps...),
		},
	}, nil
}

// pickVariant returns the narrowest update query covering every key. The
// full variant is last and covers everything.
func pickVariant(s *catalog.KindSpec, keys []string) catalog.UpdateVariant {
	for _, v := range s.UpdateVariants {
		covered := true
		for _, key := range keys {
			if !contains(v.Fields, key) {
				covered = false
				break
			}
		}
		if covered {
			return v
		}
	}
	return s.UpdateVariants[len(s.UpdateVariants)-1]
}

func buildQuery(r *Router, t *tool, k catalog.Kind, a *args) (Decision, error) {
	s := k.Spec()
	tenant := s.Tenant()

	tid, err := a.required(tenant, catalog.TypeID)
	if err != nil {
		return Decision{}, err
	}
	params := map[string]any{tenant: tid}
	d := Decision{Op: OpQuery, Query: s.ListQuery(), Params: params}

	if d.Limit, err = a.optionalInt("limit", 0); err != nil {
		return Decision{}, err
	}

	fv, ok, err := a.optional("filters", catalog.TypeObject)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return d, nil
	}

	filters := fv.(map[string]any)
	ranged := false
	for _, key := range sortedKeys(filters) {
		v := filters[key]
		name := "filters." + key

		if s.RangeField != "" && (key == "min_"+s.RangeField || key == "max_"+s.RangeField) {
			x, err := coerce(t.name, name, catalog.TypeFloat, v)
			if err != nil {
				return Decision{}, err
			}
			params[key] = x
			ranged = true
			continue
		}

		field, op := key, FilterEq
		switch {
		case strings.HasSuffix(key, "_gte"):
			field, op = strings.TrimSuffix(key, "_gte"), FilterGTE
		case strings.HasSuffix(key, "_lte"):
			field, op = strings.TrimSuffix(key, "_lte"), FilterLTE
		}
		if field == "category" {
			field = s.Ident + "_category"
		}

		ft, ok := filterFieldType(s, field)
		if !ok {
			return Decision{}, unknown(t.name, name)
		}
		switch {
		case op != FilterEq && ft != catalog.TypeInt && ft != catalog.TypeFloat && ft != catalog.TypeString:
			return Decision{}, invalid(t.name, name, "does not support range comparison")
		case ft == catalog.TypeInt && op != FilterEq:
			ft = catalog.TypeFloat
		case ft == catalog.TypeStrings:
			ft = catalog.TypeString
		}
		x, err := coerce(t.name, name, ft, v)
		if err != nil {
			return Decision{}, err
		}
		d.Filters = append(d.Filters, ClientFilter{Field: field, Op: op, Value: x})
	}

	if ranged {
		if _, ok := params["min_"+s.RangeField]; !ok {
			params["min_"+s.RangeField] = float64(0)
		}
		if _, ok := params["max_"+s.RangeField]; !ok {
			params["max_"+s.RangeField] = math.MaxFloat64
		}
		if params["min_"+s.RangeField].(float64) > params["max_"+s.RangeField].(float64) {
			return Decision{}, invalid(t.name, "filters.min_"+s.RangeField, "exceeds the maximum")
		}
		d.Query = s.RangeQuery()
	}
	return d, nil
}

func filterFieldType(s *catalog.KindSpec, field string) (catalog.FieldType, bool) {
	if f, ok := s.Field(field); ok {
		return f.Type, true
	}
	if field == s.IDField || contains(s.Parents, field) {
		return catalog.TypeID, true
	}
	if field == "created_at" || field == catalog.UpdateStamp {
		return catalog.TypeString, true
	}
	return "", false
}

func buildDelete(_ *Router, _ *tool, k catalog.Kind, a *args) (Decision, error) {
	s := k.Spec()
	id, err := a.required("memory_id", catalog.TypeID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Op: OpDelete, Query: s.DeleteQuery(), Params: map[string]any{s.IDField: id}}, nil
}

func buildSearch(r *Router, t *tool, k catalog.Kind, a *args) (Decision, error) {
	s := k.Spec()
	tenant := s.Tenant()

	tid, err := a.required(tenant, catalog.TypeID)
	if err != nil {
		return Decision{}, err
	}
	params := map[string]any{tenant: tid}
	d := Decision{Op: OpSearch, Search: t.search, Params: params}

	queryText := func() (string, error) {
		v, err := a.required("query_text", catalog.TypeString)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(v.(string)) == "" {
			return "", missing(t.name, "query_text")
		}
		return v.(string), nil
	}

	switch t.search {
	case catalog.SearchBM25:
		text, err := queryText()
		if err != nil {
			return Decision{}, err
		}
		limit, err := a.optionalInt("limit", defaultSearchLimit)
		if err != nil {
			return Decision{}, err
		}
		params["query_text"] = text
		params["limit"] = int64(limit)
		d.Query = s.SearchQuery(catalog.SearchBM25, false)

	case catalog.SearchSemantic:
		text, err := queryText()
		if err != nil {
			return Decision{}, err
		}
		neighbours, err := a.optionalInt("k", defaultSearchLimit)
		if err != nil {
			return Decision{}, err
		}
		params["query_text"] = text
		params["k"] = int64(neighbours)
		d.Query = s.SearchQuery(catalog.SearchSemantic, false)

	case catalog.SearchHybrid:
		emb, hasEmb, err := a.optional("query_embedding", catalog.TypeFloats)
		if err != nil {
			return Decision{}, err
		}
		var text string
		if !hasEmb {
			if text, err = queryText(); err != nil {
				return Decision{}, err
			}
		} else {
			a.use("query_text")
			if v, ok := a.m["query_text"].(string); ok {
				text = v
			}
		}
		if hasEmb && len(emb.([]float64)) == 0 {
			return Decision{}, invalid(t.name, "query_embedding", "must not be empty")
		}

		limit, err := a.optionalInt("limit", defaultSearchLimit)
		if err != nil {
			return Decision{}, err
		}
		lo, hi := float64(0), math.MaxFloat64
		if v, ok, err := a.optional("min_"+s.RangeField, catalog.TypeFloat); err != nil {
			return Decision{}, err
		} else if ok {
			lo = v.(float64)
		}
		if v, ok, err := a.optional("max_"+s.RangeField, catalog.TypeFloat); err != nil {
			return Decision{}, err
		} else if ok {
			hi = v.(float64)
		}
		if lo > hi {
			return Decision{}, invalid(t.name, "min_"+s.RangeField, "exceeds the maximum")
		}
		params["limit"] = int64(limit)
		params["min_"+s.RangeField] = lo
		params["max_"+s.RangeField] = hi

		if hasEmb || r.mode == ModeMCP {
			d.Query = s.SearchQuery(catalog.SearchHybrid, true)
			if hasEmb {
				params["query_embedding"] = emb
			} else {
				d.Embed = &EmbedDirective{Text: text, Target: "query_embedding"}
			}
		} else {
			d.Query = s.SearchQuery(catalog.SearchHybrid, false)
			params["query_text"] = text
		}
	}
	return d, nil
}

func buildSession(_ *Router, t *tool, _ catalog.Kind, a *args) (Decision, error) {
	d := Decision{Op: OpSession, Query: t.query, Params: map[string]any{}}
	if t.name != "init" {
		sid, err := a.required("session_id", catalog.TypeID)
		if err != nil {
			return Decision{}, err
		}
		d.SessionID = sid.(string)
	}
	for _, p := range t.data {
		if p.Optional {
			v, ok, err := a.optional(p.Name, p.Type)
			if err != nil {
				return Decision{}, err
			}
			if ok {
				d.Params[p.Name] = v
			}
			continue
		}
		v, err := a.required(p.Name, p.Type)
		if err != nil {
			return Decision{}, err
		}
		d.Params[p.Name] = v
	}
	return d, nil
}

func buildRaw(r *Router, t *tool, _ catalog.Kind, a *args) (Decision, error) {
	qv, err := a.required("query", catalog.TypeString)
	if err != nil {
		return Decision{}, err
	}
	name := qv.(string)

	q, ok := r.catalog.Query(name)
	if !ok {
		return Decision{}, invalid(t.name, "query", "is not declared by the backend")
	}
	if !q.Raw {
		return Decision{}, forbidden(t.name, "query", "is not exposed for direct execution")
	}

	var raw map[string]any
	if pv, ok, err := a.optional("params", catalog.TypeObject); err != nil {
		return Decision{}, err
	} else if ok {
		raw = pv.(map[string]any)
	}
	params, err := r.catalog.Validate(name, raw)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Op: OpRaw, Query: name, Params: params}, nil
}

// embeddingSteps lists the drop/add/link group and the convergence read of
// an embedded kind in execution order.
func (r *Router) embeddingSteps(s *catalog.KindSpec) []Step {
	add := Step{Role: RoleAddEmbedding, Query: s.AddEmbeddingQuery(false)}
	if r.mode == ModeMCP {
		add = Step{Role: RoleAddEmbeddingVector, Query: s.AddEmbeddingQuery(true)}
	}
	return []Step{
		{Role: RoleDropEmbedding, Query: s.DropEmbeddingQuery()},
		add,
		{Role: RoleLinkEmbedding, Query: s.LinkEmbeddingQuery()},
		{Role: RoleGetEmbedding, Query: s.GetEmbeddingQuery()},
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
