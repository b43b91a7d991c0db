package router

import (
	"fmt"

	"github.com/scrypster/helixmcp/internal/catalog"
)

// Contract is the parameter shape a routed tool sends to one backend query.
type Contract struct {
	Tool string
	Kind catalog.Kind
	Call catalog.Call
}

// Contracts lists every backend call the routing table can produce, in
// registration order.
func (r *Router) Contracts() []Contract {
	var out []Contract
	for _, name := range r.order {
		t := r.tools[name]
		kinds := t.kinds
		if t.op == OpSession || t.op == OpRaw {
			kinds = []catalog.Kind{catalog.KindNone}
		}
		for _, k := range kinds {
			for _, call := range r.calls(t, k) {
				out = append(out, Contract{Tool: name, Kind: k, Call: call})
			}
		}
	}
	return out
}

// Check verifies every contract against the catalogue and returns one error
// per mismatch.
func (r *Router) Check() []error {
	var problems []error
	for _, c := range r.Contracts() {
		if err := r.catalog.Verify(c.Call); err != nil {
			where := c.Tool
			if c.Kind != catalog.KindNone {
				where += "/" + c.Kind.String()
			}
			problems = append(problems, fmt.Errorf("%s: %w", where, err))
		}
	}
	return problems
}

func (r *Router) calls(t *tool, k catalog.Kind) []catalog.Call {
	switch t.op {
	case OpSession:
		return []catalog.Call{sessionCall(t)}
	case OpRaw:
		// do_query validates against the catalogue on every call.
		return nil
	}

	s := k.Spec()
	id := map[string]catalog.FieldType{s.IDField: catalog.TypeID}

	switch t.op {
	case OpCreate:
		ps := make(map[string]catalog.FieldType, len(s.Parents)+len(s.Fields)+3)
		for _, parent := range s.Parents {
			ps[parent] = catalog.TypeID
		}
		ps[s.IDField] = catalog.TypeID
		for _, f := range s.Fields {
			ps[f.Name] = f.Type
		}
		for _, stamp := range catalog.CreateStamps {
			ps[stamp] = catalog.TypeString
		}
		out := []catalog.Call{{Query: s.CreateQuery, Params: ps}}
		if s.Embedded {
			out = append(out, embeddingCalls(s)...)
		}
		return out

	case OpUpdate:
		out := []catalog.Call{{Query: s.GetQuery(), Params: id}}
		for _, v := range s.UpdateVariants {
			ps := map[string]catalog.FieldType{s.IDField: catalog.TypeID, catalog.UpdateStamp: catalog.TypeString}
			for _, name := range v.Fields {
				f, _ := s.Field(name)
				ps[name] = f.Type
			}
			out = append(out, catalog.Call{Query: v.Query, Params: ps})
		}
		if s.Embedded {
			out = append(out, embeddingCalls(s)...)
		}
		return out

	case OpDelete:
		return []catalog.Call{{Query: s.DeleteQuery(), Params: id}}

	case OpQuery:
		tenant := map[string]catalog.FieldType{s.Tenant(): catalog.TypeID}
		out := []catalog.Call{{Query: s.ListQuery(), Params: tenant}}
		if s.RangeField != "" {
			out = append(out, catalog.Call{Query: s.RangeQuery(), Params: map[string]catalog.FieldType{
				s.Tenant():           catalog.TypeID,
				"min_" + s.RangeField: catalog.TypeFloat,
				"max_" + s.RangeField: catalog.TypeFloat,
			}})
		}
		return out

	case OpSearch:
		base := func(extra map[string]catalog.FieldType) map[string]catalog.FieldType {
			ps := map[string]catalog.FieldType{s.Tenant(): catalog.TypeID}
			for name, typ := range extra {
				ps[name] = typ
			}
			return ps
		}
		switch t.search {
		case catalog.SearchBM25:
			return []catalog.Call{{Query: s.SearchQuery(catalog.SearchBM25, false), Params: base(map[string]catalog.FieldType{
				"query_text": catalog.TypeString, "limit": catalog.TypeInt,
			})}}
		case catalog.SearchSemantic:
			return []catalog.Call{{Query: s.SearchQuery(catalog.SearchSemantic, false), Params: base(map[string]catalog.FieldType{
				"query_text": catalog.TypeString, "k": catalog.TypeInt,
			})}}
		case catalog.SearchHybrid:
			lo, hi := "min_"+s.RangeField, "max_"+s.RangeField
			return []catalog.Call{
				{Query: s.SearchQuery(catalog.SearchHybrid, false), Params: base(map[string]catalog.FieldType{
					"query_text": catalog.TypeString, "limit": catalog.TypeInt, lo: catalog.TypeFloat, hi: catalog.TypeFloat,
				})},
				{Query: s.SearchQuery(catalog.SearchHybrid, true), Params: base(map[string]catalog.FieldType{
					"query_embedding": catalog.TypeFloats, "limit": catalog.TypeInt, lo: catalog.TypeFloat, hi: catalog.TypeFloat,
				})},
			}
		}
	}
	return nil
}

// embeddingCalls covers both add variants so either embedding mode can be
// switched on without rebuilding the catalogue.
func embeddingCalls(s *catalog.KindSpec) []catalog.Call {
	pair := func() map[string]catalog.FieldType {
		return map[string]catalog.FieldType{s.IDField: catalog.TypeID, "embedding_id": catalog.TypeID}
	}
	add := pair()
	add["text"] = catalog.TypeString
	addVector := pair()
	addVector["text"] = catalog.TypeString
	addVector["embedding"] = catalog.TypeFloats

	return []catalog.Call{
		{Query: s.DropEmbeddingQuery(), Params: pair()},
		{Query: s.AddEmbeddingQuery(false), Params: add},
		{Query: s.AddEmbeddingQuery(true), Params: addVector},
		{Query: s.LinkEmbeddingQuery(), Params: pair()},
		{Query: s.GetEmbeddingQuery(), Params: map[string]catalog.FieldType{s.IDField: catalog.TypeID}},
	}
}

func sessionCall(t *tool) catalog.Call {
	call := catalog.Call{Query: t.query, Params: map[string]catalog.FieldType{}, Optional: map[string]bool{}}
	if t.query == "mcp/init" {
		return call
	}
	call.Params["connection_id"] = catalog.TypeID
	switch t.name {
	case "collect":
		call.Params["range"] = catalog.TypeObject
		call.Params["drop"] = catalog.TypeBool
		call.Optional["range"] = true
		call.Optional["drop"] = true
	case "close":
		call.Params["drop"] = catalog.TypeBool
	}
	for _, p := range t.data {
		call.Params[p.Name] = p.Type
		if p.Optional {
			call.Optional[p.Name] = true
		}
	}
	return call
}
