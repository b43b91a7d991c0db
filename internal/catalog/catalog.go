package catalog

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/helixmcp/pkg/apperrors"
)

//go:embed queries.yaml
var embeddedQueries []byte

// Param is one declared query parameter.
type Param struct {
	Name     string
	Type     FieldType
	Optional bool
}

// Query is one named backend query.
type Query struct {
	Name    string
	Mutates bool
	// Raw queries may be invoked directly through do_query.
	Raw    bool
	Params map[string]Param
}

// Catalog is the set of queries the backend declares. It is immutable after
// construction and safe for concurrent use.
type Catalog struct {
	queries map[string]*Query
}

type yamlDoc struct {
	Queries map[string]yamlQuery `yaml:"queries"`
}

type yamlQuery struct {
	Mutates bool              `yaml:"mutates,omitempty"`
	Raw     bool              `yaml:"raw,omitempty"`
	Params  map[string]string `yaml:"params,omitempty"`
}

// Load parses the catalogue compiled into the binary.
func Load() (*Catalog, error) {
	return Parse(embeddedQueries)
}

// MustLoad is Load for tests and static initialisation.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes a YAML catalogue. Parameter types carry a trailing "?" when
// the parameter is optional.
func Parse(data []byte) (*Catalog, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeRouterCatalogMismatch, "failed to parse query catalogue")
	}
	if len(doc.Queries) == 0 {
		return nil, apperrors.New(apperrors.CodeRouterCatalogMismatch, "query catalogue is empty")
	}

	c := &Catalog{queries: make(map[string]*Query, len(doc.Queries))}
	for name, raw := range doc.Queries {
		q := &Query{Name: name, Mutates: raw.Mutates, Raw: raw.Raw, Params: make(map[string]Param, len(raw.Params))}
		for pname, ptype := range raw.Params {
			optional := strings.HasSuffix(ptype, "?")
			t := FieldType(strings.TrimSuffix(ptype, "?"))
			if !validType(t) {
				return nil, apperrors.New(apperrors.CodeRouterCatalogMismatch, "unknown parameter type",
					apperrors.FieldQuery(name), apperrors.Field("param", pname), apperrors.Field("type", ptype))
			}
			q.Params[pname] = Param{Name: pname, Type: t, Optional: optional}
		}
		c.queries[name] = q
	}
	return c, nil
}

func validType(t FieldType) bool {
	switch t {
	case TypeString, TypeID, TypeInt, TypeFloat, TypeBool, TypeStrings, TypeFloats, TypeObject:
		return true
	}
	return false
}

// Query returns the named query.
func (c *Catalog) Query(name string) (*Query, bool) {
	q, ok := c.queries[name]
	return q, ok
}

// Names returns every query name in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.queries))
	for name := range c.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the number of declared queries.
func (c *Catalog) Len() int { return len(c.queries) }

// Call describes the parameters a caller sends to a query. Optional marks
// parameters that are only sometimes present.
type Call struct {
	Query    string
	Params   map[string]FieldType
	Optional map[string]bool
}

// Verify checks that a call shape is accepted by the declared query: every
// required parameter is always sent and every sent parameter is declared
// with the same type.
func (c *Catalog) Verify(call Call) error {
	q, ok := c.queries[call.Query]
	if !ok {
		return apperrors.New(apperrors.CodeRouterCatalogMismatch, "query is not declared by the backend",
			apperrors.FieldQuery(call.Query))
	}

	for _, name := range sortedKeys(q.Params) {
		p := q.Params[name]
		if p.Optional {
			continue
		}
		if _, sent := call.Params[name]; !sent || call.Optional[name] {
			return apperrors.New(apperrors.CodeRouterCatalogMismatch, "required parameter is not always sent",
				apperrors.FieldQuery(call.Query), apperrors.Field("param", name))
		}
	}

	for _, name := range sortedKeys(call.Params) {
		p, declared := q.Params[name]
		if !declared {
			return apperrors.New(apperrors.CodeRouterCatalogMismatch, "parameter is not declared",
				apperrors.FieldQuery(call.Query), apperrors.Field("param", name))
		}
		if p.Type != call.Params[name] {
			return apperrors.New(apperrors.CodeRouterCatalogMismatch, "parameter type differs",
				apperrors.FieldQuery(call.Query), apperrors.Field("param", name),
				apperrors.Field("declared", string(p.Type)), apperrors.Field("sent", string(call.Params[name])))
		}
	}
	return nil
}

// Encode writes the catalogue as YAML.
func (c *Catalog) Encode(w io.Writer) error {
	doc := yamlDoc{Queries: make(map[string]yamlQuery, len(c.queries))}
	for name, q := range c.queries {
		yq := yamlQuery{Mutates: q.Mutates, Raw: q.Raw}
		if len(q.Params) > 0 {
			yq.Params = make(map[string]string, len(q.Params))
			for pname, p := range q.Params {
				t := string(p.Type)
				if p.Optional {
					t += "?"
				}
				yq.Params[pname] = t
			}
		}
		doc.Queries[name] = yq
	}

	if _, err := io.WriteString(w, "# HelixDB query catalogue. Generated by `helix-mcp catalog`.\n"); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// Diff lists the differences between two catalogues, one line per query.
func Diff(want, got *Catalog) []string {
	var out []string
	for _, name := range want.Names() {
		g, ok := got.queries[name]
		if !ok {
			out = append(out, "missing "+name)
			continue
		}
		w := want.queries[name]
		if w.Mutates != g.Mutates || w.Raw != g.Raw {
			out = append(out, fmt.Sprintf("flags %s: mutates=%t raw=%t, got mutates=%t raw=%t",
				name, w.Mutates, w.Raw, g.Mutates, g.Raw))
		}
		for _, pname := range sortedKeys(w.Params) {
			if gp, ok := g.Params[pname]; !ok {
				out = append(out, fmt.Sprintf("param %s.%s missing", name, pname))
			} else if gp != w.Params[pname] {
				out = append(out, fmt.Sprintf("param %s.%s: %v, got %v", name, pname, w.Params[pname], gp))
			}
		}
		for _, pname := range sortedKeys(g.Params) {
			if _, ok := w.Params[pname]; !ok {
				out = append(out, fmt.Sprintf("param %s.%s unexpected", name, pname))
			}
		}
	}
	for _, name := range got.Names() {
		if _, ok := want.queries[name]; !ok {
			out = append(out, "unexpected "+name)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
