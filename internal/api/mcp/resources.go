package mcp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/scrypster/helixmcp/internal/catalog"
)

// Resource URIs.
const (
	URIMemoryTypes = "helix://schema/memory-types"
	URIQueries     = "helix://schema/queries"
)

// resourceSet renders every resource once; the kind table and the catalogue
// are immutable for the life of the process.
type resourceSet struct {
	index    []MCPResource
	contents map[string]MCPResourceContent
}

func newResourceSet(cat *catalog.Catalog) *resourceSet {
	rs := &resourceSet{contents: make(map[string]MCPResourceContent)}

	rs.add(MCPResource{
		URI:         URIMemoryTypes,
		Name:        "Memory types",
		Description: "Every memory type with its fields, id rules and update variants",
		MimeType:    "text/markdown",
	}, memoryTypesMarkdown())

	var buf bytes.Buffer
	if cat != nil {
		if err := cat.Encode(&buf); err != nil {
			buf.Reset()
			fmt.Fprintf(&buf, "# catalogue unavailable: %v\n", err)
		}
	}
	rs.add(MCPResource{
		URI:         URIQueries,
		Name:        "Query catalogue",
		Description: "Backend queries and their parameter types",
		MimeType:    "application/yaml",
	}, buf.String())
	return rs
}

func (rs *resourceSet) add(r MCPResource, text string) {
	rs.index = append(rs.index, r)
	rs.contents[r.URI] = MCPResourceContent{URI: r.URI, MimeType: r.MimeType, Text: text}
}

func (rs *resourceSet) list() []MCPResource { return rs.index }

func (rs *resourceSet) read(uri string) (MCPResourceContent, bool) {
	c, ok := rs.contents[uri]
	return c, ok
}

func memoryTypesMarkdown() string {
	var b strings.Builder
	b.WriteString("# Memory types\n")

	for _, family := range []catalog.Family{catalog.FamilyBusiness, catalog.FamilyCustomer, catalog.FamilyInteraction, catalog.FamilyNavigation} {
		fmt.Fprintf(&b, "\n## %s\n", family)
		for _, k := range catalog.FamilyKinds(family) {
			s := k.Spec()
			fmt.Fprintf(&b, "\n### %s\n\n", s.Name)

			if s.Generated() {
				fmt.Fprintf(&b, "- id: `%s`, generated as `%s<uuid>`\n", s.IDField, s.IDPrefix)
			} else {
				fmt.Fprintf(&b, "- id: `%s`, supplied by the caller\n", s.IDField)
			}
			if len(s.Parents) > 0 {
				fmt.Fprintf(&b, "- parents: `%s`\n", strings.Join(s.Parents, "`, `"))
			}
			if s.Embedded {
				fmt.Fprintf(&b, "- embedded from: %s\n", strings.Join(s.TextFields, ", "))
			}
			if s.RangeField != "" {
				fmt.Fprintf(&b, "- range filter: `min_%s` / `max_%s`\n", s.RangeField, s.RangeField)
			}
			if s.Updatable() {
				variants := make([]string, len(s.UpdateVariants))
				for i, v := range s.UpdateVariants {
					variants[i] = v.Query
				}
				fmt.Fprintf(&b, "- update queries: %s\n", strings.Join(variants, ", "))
			} else {
				b.WriteString("- create only\n")
			}

			b.WriteString("\n| field | type | required | default |\n|---|---|---|---|\n")
			for _, f := range s.Fields {
				def := ""
				if f.Default != nil {
					def = fmt.Sprintf("`%v`", f.Default)
				}
				fmt.Fprintf(&b, "| %s | %s | %t | %s |\n", f.Name, f.Type, f.Required, def)
			}
		}
	}
	return b.String()
}
