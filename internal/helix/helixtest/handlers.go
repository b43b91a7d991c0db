package helixtest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/helixmcp/internal/catalog"
)

func (f *Fake) registerSession() {
	f.handlers["mcp/init"] = func(map[string]any) (any, error) {
		f.seq++
		id := fmt.Sprintf("conn-%d", f.seq)
		f.conns[id] = &connection{}
		return id, nil
	}
	f.handlers["mcp/next"] = f.withConn("mcp/next", func(c *connection, _ map[string]any) (any, error) {
		if len(c.pending) == 0 {
			return nil, nil
		}
		item := c.pending[0]
		c.pending = c.pending[1:]
		return item, nil
	})
	f.handlers["mcp/collect"] = f.withConn("mcp/collect", func(c *connection, p map[string]any) (any, error) {
		items := c.pending
		if rng, ok := p["range"].(map[string]any); ok {
			start, end := intOf(rng["start"]), intOf(rng["end"])
			if start > len(items) {
				start = len(items)
			}
			if end > len(items) || end < start {
				end = len(items)
			}
			items = items[start:end]
		}
		out := append([]map[string]any{}, items...)
		if drop, _ := p["drop"].(bool); drop {
			c.pending = nil
		}
		return out, nil
	})
	f.handlers["mcp/reset"] = f.withConn("mcp/reset", func(c *connection, _ map[string]any) (any, error) {
		c.pending = nil
		return "reset", nil
	})
	f.handlers["mcp/schema_resource"] = f.withConn("mcp/schema_resource", func(*connection, map[string]any) (any, error) {
		nodeLabels := map[string]bool{}
		for _, n := range f.nodes {
			nodeLabels[n.Label] = true
		}
		edgeLabels := map[string]bool{}
		for _, e := range f.edges {
			edgeLabels[e.Label] = true
		}
		return map[string]any{"nodes": keys(nodeLabels), "edges": keys(edgeLabels)}, nil
	})

	f.step("mcp/n_from_type", func(_ []map[string]any, d map[string]any) []map[string]any {
		var out []map[string]any
		for _, n := range f.nodesByLabel(str(d["node_type"])) {
			out = append(out, copyMap(n.Props))
		}
		return out
	})
	f.step("mcp/e_from_type", func(_ []map[string]any, d map[string]any) []map[string]any {
		var out []map[string]any
		for _, e := range f.edges {
			if e.Label == str(d["edge_type"]) {
				out = append(out, edgeItem(e))
			}
		}
		return out
	})
	f.step("mcp/out_step", func(cur []map[string]any, d map[string]any) []map[string]any {
		return f.traverse(cur, str(d["edge_label"]), true, false)
	})
	f.step("mcp/out_e_step", func(cur []map[string]any, d map[string]any) []map[string]any {
		return f.traverse(cur, str(d["edge_label"]), true, true)
	})
	f.step("mcp/in_step", func(cur []map[string]any, d map[string]any) []map[string]any {
		return f.traverse(cur, str(d["edge_label"]), false, false)
	})
	f.step("mcp/in_e_step", func(cur []map[string]any, d map[string]any) []map[string]any {
		return f.traverse(cur, str(d["edge_label"]), false, true)
	})
	f.step("mcp/filter_items", func(cur []map[string]any, d map[string]any) []map[string]any {
		filter, _ := d["filter"].(map[string]any)
		var out []map[string]any
		for _, item := range cur {
			match := true
			for k, want := range filter {
				if fmt.Sprint(item[k]) != fmt.Sprint(want) {
					match = false
					break
				}
			}
			if match {
				out = append(out, item)
			}
		}
		return out
	})
	f.step("mcp/search_keyword", func(_ []map[string]any, d map[string]any) []map[string]any {
		return limitRows(f.textSearch(str(d["label"]), str(d["query"]), "", nil), intOf(d["limit"]))
	})
	f.step("mcp/search_vector_text", func(_ []map[string]any, d map[string]any) []map[string]any {
		return limitRows(f.textSearch(str(d["label"]), str(d["query"]), "", nil), intOf(d["k"]))
	})
	f.step("mcp/search_vector", func(_ []map[string]any, d map[string]any) []map[string]any {
		var out []map[string]any
		for _, id := range sortedIDs(f.embeddings) {
			emb := f.embeddings[id]
			if len(emb.Vector) == 0 {
				continue
			}
			out = append(out, map[string]any{"id": emb.ID, "label": "Embedding", "text": emb.Text})
		}
		return limitRows(out, intOf(d["k"]))
	})
}

func (f *Fake) withConn(query string, fn func(*connection, map[string]any) (any, error)) HandlerFunc {
	return func(p map[string]any) (any, error) {
		id := str(p["connection_id"])
		c, ok := f.conns[id]
		if !ok {
			return nil, Rejected(query, "connection not found: "+id)
		}
		return fn(c, p)
	}
}

// step registers a traversal endpoint. The new result set replaces the
// pending one; the reply is the result size.
func (f *Fake) step(query string, fn func(current []map[string]any, data map[string]any) []map[string]any) {
	f.handlers[query] = f.withConn(query, func(c *connection, p map[string]any) (any, error) {
		data, _ := p["data"].(map[string]any)
		c.pending = fn(c.pending, data)
		return map[string]any{"count": len(c.pending)}, nil
	})
}

func (f *Fake) traverse(current []map[string]any, label string, out, edges bool) []map[string]any {
	var result []map[string]any
	for _, item := range current {
		id := str(item["id"])
		for _, e := range f.edges {
			if e.Label != label {
				continue
			}
			var other string
			switch {
			case out && e.From == id:
				other = e.To
			case !out && e.To == id:
				other = e.From
			default:
				continue
			}
			if edges {
				result = append(result, edgeItem(e))
				continue
			}
			if n, ok := f.nodes[other]; ok {
				result = append(result, copyMap(n.Props))
			} else if emb, ok := f.embeddings[other]; ok {
				result = append(result, map[string]any{"id": emb.ID, "label": "Embedding", "text": emb.Text})
			}
		}
	}
	return result
}

func (f *Fake) registerKind(s *catalog.KindSpec) {
	idOf := func(p map[string]any) string { return str(p[s.IDField]) }

	f.handlers[s.CreateQuery] = func(p map[string]any) (any, error) {
		id := idOf(p)
		if _, exists := f.nodes[id]; exists {
			return nil, Rejected(s.CreateQuery, "duplicate id "+id)
		}
		n := f.putNode(s.Label, id, p)
		for _, parent := range s.Parents {
			f.edges = append(f.edges, Edge{Label: "Has" + s.Label, From: str(p[parent]), To: id})
		}
		return map[string]any{s.Ident: copyMap(n.Props)}, nil
	}

	f.handlers[s.GetQuery()] = func(p map[string]any) (any, error) {
		n, ok := f.nodes[idOf(p)]
		if !ok || n.Label != s.Label {
			return nil, RecordNotFound(s.GetQuery(), idOf(p))
		}
		return map[string]any{s.Ident: copyMap(n.Props)}, nil
	}

	f.handlers[s.DeleteQuery()] = func(p map[string]any) (any, error) {
		id := idOf(p)
		if _, ok := f.nodes[id]; !ok {
			return nil, RecordNotFound(s.DeleteQuery(), id)
		}
		if s.Embedded {
			f.dropEmbeddings(id, s.EdgeLabel, "")
		}
		f.deleteNode(id)
		return "success", nil
	}

	if tenant := s.Tenant(); tenant != "" {
		list := func(p map[string]any, lo, hi float64, bounded bool) []map[string]any {
			var out []map[string]any
			for _, n := range f.nodesByLabel(s.Label) {
				if str(n.Props[tenant]) != str(p[tenant]) {
					continue
				}
				if bounded && !inRange(n.Props[s.RangeField], lo, hi) {
					continue
				}
				out = append(out, copyMap(n.Props))
			}
			if out == nil {
				out = []map[string]any{}
			}
			return out
		}
		f.handlers[s.ListQuery()] = func(p map[string]any) (any, error) {
			return map[string]any{s.Plural: list(p, 0, 0, false)}, nil
		}
		if s.RangeField != "" {
			f.handlers[s.RangeQuery()] = func(p map[string]any) (any, error) {
				lo, hi := floatOf(p["min_"+s.RangeField]), floatOf(p["max_"+s.RangeField])
				return map[string]any{s.Plural: list(p, lo, hi, true)}, nil
			}
		}
	}

	for _, v := range s.UpdateVariants {
		v := v
		f.handlers[v.Query] = func(p map[string]any) (any, error) {
			n, ok := f.nodes[idOf(p)]
			if !ok || n.Label != s.Label {
				return nil, RecordNotFound(v.Query, idOf(p))
			}
			for _, field := range v.Fields {
				n.Props[field] = p[field]
			}
			n.Props[catalog.UpdateStamp] = p[catalog.UpdateStamp]
			return map[string]any{s.Ident: copyMap(n.Props)}, nil
		}
	}

	if !s.Embedded {
		return
	}

	f.handlers[s.DropEmbeddingQuery()] = func(p map[string]any) (any, error) {
		f.dropEmbeddings(idOf(p), s.EdgeLabel, str(p["embedding_id"]))
		return "success", nil
	}
	add := func(query string) HandlerFunc {
		return func(p map[string]any) (any, error) {
			if _, ok := f.nodes[idOf(p)]; !ok {
				return nil, RecordNotFound(query, idOf(p))
			}
			embID := str(p["embedding_id"])
			if _, exists := f.embeddings[embID]; exists {
				return nil, Rejected(query, "duplicate embedding "+embID)
			}
			emb := &Embedding{ID: embID, Text: str(p["text"])}
			if vec, ok := p["embedding"].([]any); ok {
				for _, x := range vec {
					emb.Vector = append(emb.Vector, floatOf(x))
				}
			}
			f.embeddings[embID] = emb
			return map[string]any{"embedding": map[string]any{"id": embID, "text": emb.Text}}, nil
		}
	}
	f.handlers[s.AddEmbeddingQuery(false)] = add(s.AddEmbeddingQuery(false))
	f.handlers[s.AddEmbeddingQuery(true)] = add(s.AddEmbeddingQuery(true))

	f.handlers[s.LinkEmbeddingQuery()] = func(p map[string]any) (any, error) {
		id, embID := idOf(p), str(p["embedding_id"])
		if _, ok := f.nodes[id]; !ok {
			return nil, RecordNotFound(s.LinkEmbeddingQuery(), id)
		}
		if _, ok := f.embeddings[embID]; !ok {
			return nil, Rejected(s.LinkEmbeddingQuery(), "embedding not found "+embID)
		}
		f.edges = append(f.edges, Edge{Label: s.EdgeLabel, From: id, To: embID})
		return "success", nil
	}

	f.handlers[s.GetEmbeddingQuery()] = func(p map[string]any) (any, error) {
		out := []map[string]any{}
		for _, e := range f.edges {
			if e.From != idOf(p) || e.Label != s.EdgeLabel {
				continue
			}
			if emb, ok := f.embeddings[e.To]; ok {
				out = append(out, map[string]any{"id": emb.ID, "embedding_id": emb.ID, "text": emb.Text})
			}
		}
		return map[string]any{"embeddings": out}, nil
	}

	if s.Tenant() == "" {
		return
	}
	tenant := s.Tenant()
	search := func(p map[string]any, n int, ranged bool) (any, error) {
		var lo, hi float64
		var bounds *[2]float64
		if ranged {
			lo, hi = floatOf(p["min_"+s.RangeField]), floatOf(p["max_"+s.RangeField])
			bounds = &[2]float64{lo, hi}
		}
		query := str(p["query_text"])
		if query == "" && p["query_embedding"] != nil {
			query = "*"
		}
		rows := limitRows(f.textSearch(s.Label, query, str(p[tenant]), bounds, tenant, s.RangeField), n)
		return map[string]any{s.Plural: rows}, nil
	}
	f.handlers[s.SearchQuery(catalog.SearchBM25, false)] = func(p map[string]any) (any, error) {
		return search(p, intOf(p["limit"]), false)
	}
	f.handlers[s.SearchQuery(catalog.SearchSemantic, false)] = func(p map[string]any) (any, error) {
		return search(p, intOf(p["k"]), false)
	}
	if s.RangeField != "" {
		hybrid := func(p map[string]any) (any, error) { return search(p, intOf(p["limit"]), true) }
		f.handlers[s.SearchQuery(catalog.SearchHybrid, false)] = hybrid
		f.handlers[s.SearchQuery(catalog.SearchHybrid, true)] = hybrid
	}
}

// dropEmbeddings removes every embedding linked from id by edgeLabel, the
// edges themselves, and the vertex embeddingID when it is an orphan.
func (f *Fake) dropEmbeddings(id, edgeLabel, embeddingID string) {
	kept := f.edges[:0]
	for _, e := range f.edges {
		if e.From == id && e.Label == edgeLabel {
			delete(f.embeddings, e.To)
			continue
		}
		kept = append(kept, e)
	}
	f.edges = kept
	if embeddingID != "" {
		delete(f.embeddings, embeddingID)
	}
}

// textSearch scores vertices with label by how many query terms their
// string properties contain. "*" matches everything with score 1. Optional
// trailing args are tenant field and range field names.
func (f *Fake) textSearch(label, query, tenantID string, bounds *[2]float64, fields ...string) []map[string]any {
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		row   map[string]any
		score int
	}
	var hits []scored
	for _, n := range f.nodesByLabel(label) {
		if tenantID != "" && len(fields) > 0 && str(n.Props[fields[0]]) != tenantID {
			continue
		}
		if bounds != nil && len(fields) > 1 && !inRange(n.Props[fields[1]], bounds[0], bounds[1]) {
			continue
		}
		score := 0
		if query == "*" {
			score = 1
		} else {
			haystack := strings.ToLower(fmt.Sprint(stringValues(n.Props)))
			for _, t := range terms {
				if strings.Contains(haystack, t) {
					score++
				}
			}
		}
		if score == 0 {
			continue
		}
		row := copyMap(n.Props)
		row["score"] = score
		hits = append(hits, scored{row: row, score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.row)
	}
	return out
}

func stringValues(props map[string]any) []string {
	var out []string
	for _, k := range sortedKeys(props) {
		switch v := props[k].(type) {
		case string:
			out = append(out, v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func edgeItem(e Edge) map[string]any {
	return map[string]any{"label": e.Label, "from_node": e.From, "to_node": e.To}
}

func inRange(v any, lo, hi float64) bool {
	x := floatOf(v)
	if x < lo {
		return false
	}
	return hi <= 0 || x <= hi
}

func limitRows(rows []map[string]any, n int) []map[string]any {
	if rows == nil {
		rows = []map[string]any{}
	}
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	return int(floatOf(v))
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
