package router

import (
	"sort"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// args tracks which invocation arguments a builder consumed so leftovers
// can be rejected as unknown.
type args struct {
	tool string
	m    map[string]any
	used map[string]bool
}

func newArgs(tool string, m map[string]any) *args {
	if m == nil {
		m = map[string]any{}
	}
	return &args{tool: tool, m: m, used: make(map[string]bool)}
}

func (a *args) use(name string) { a.used[name] = true }

func (a *args) present(name string) bool {
	v, ok := a.m[name]
	return ok && v != nil
}

func (a *args) required(name string, t catalog.FieldType) (any, error) {
	a.use(name)
	v, ok := a.m[name]
	if !ok || v == nil {
		return nil, missing(a.tool, name)
	}
	return coerce(a.tool, name, t, v)
}

func (a *args) optional(name string, t catalog.FieldType) (any, bool, error) {
	a.use(name)
	v, ok := a.m[name]
	if !ok || v == nil {
		return nil, false, nil
	}
	out, err := coerce(a.tool, name, t, v)
	return out, err == nil, err
}

func (a *args) optionalInt(name string, def int) (int, error) {
	v, ok, err := a.optional(name, catalog.TypeInt)
	if err != nil || !ok {
		return def, err
	}
	n := int(v.(int64))
	if n < 0 {
		return 0, invalid(a.tool, name, "must not be negative")
	}
	return n, nil
}

// rejectUnknown fails on the first unconsumed argument in sorted order.
func (a *args) rejectUnknown() error {
	var extra []string
	for k := range a.m {
		if !a.used[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return unknown(a.tool, extra[0])
}

func coerce(tool, name string, t catalog.FieldType, v any) (any, error) {
	out, err := catalog.Coerce(t, v)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeRouterFieldInvalid, "invalid value for "+name,
			apperrors.Field("field", name), apperrors.Field("tool", tool), apperrors.Field("type", string(t)))
	}
	return out, nil
}

func missing(tool, name string) error {
	return apperrors.New(apperrors.CodeRouterFieldMissing, "missing required field "+name,
		apperrors.Field("field", name), apperrors.Field("tool", tool))
}

func invalid(tool, name, reason string) error {
	return apperrors.New(apperrors.CodeRouterFieldInvalid, name+" "+reason,
		apperrors.Field("field", name), apperrors.Field("tool", tool))
}

func unknown(tool, name string) error {
	return apperrors.New(apperrors.CodeRouterFieldUnknown, "unknown field "+name,
		apperrors.Field("field", name), apperrors.Field("tool", tool))
}

func forbidden(tool, name, reason string) error {
	return apperrors.New(apperrors.CodeRouterFieldForbidden, name+" "+reason,
		apperrors.Field("field", name), apperrors.Field("tool", tool))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
