package router

import "github.com/scrypster/helixmcp/internal/catalog"

// ToolSpec describes one tool for tools/list.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Tools returns the tool definitions in registration order.
func (r *Router) Tools() []ToolSpec {
	out := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, ToolSpec{Name: t.name, Description: t.description, InputSchema: inputSchema(t)})
	}
	return out
}

// HasTool reports whether name is routed.
func (r *Router) HasTool(name string) bool {
	_, ok := r.tools[name]
	return ok
}

func inputSchema(t *tool) map[string]interface{} {
	props := make(map[string]interface{}, len(t.args)+1)
	required := []string{}

	if t.keyed {
		names := make([]string, 0, len(t.kinds)+1)
		for _, k := range t.kinds {
			names = append(names, k.Spec().Name)
		}
		if t.fanOut {
			names = append(names, "all")
		}
		props["memory_type"] = map[string]interface{}{
			"type":        "string",
			"enum":        names,
			"description": "Memory type the call applies to",
		}
		required = append(required, "memory_type")
	}

	for _, a := range t.args {
		p := jsonType(a.typ)
		if a.description != "" {
			p["description"] = a.description
		}
		props[a.name] = p
		if a.required {
			required = append(required, a.name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonType(t catalog.FieldType) map[string]interface{} {
	switch t {
	case catalog.TypeInt:
		return map[string]interface{}{"type": "integer"}
	case catalog.TypeFloat:
		return map[string]interface{}{"type": "number"}
	case catalog.TypeBool:
		return map[string]interface{}{"type": "boolean"}
	case catalog.TypeStrings:
		return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
	case catalog.TypeFloats:
		return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "number"}}
	case catalog.TypeObject:
		return map[string]interface{}{"type": "object"}
	default:
		return map[string]interface{}{"type": "string"}
	}
}
