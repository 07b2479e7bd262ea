// Package templates holds the registered, parameterized SQL statements —
// the only SQL the capability-gated query path can execute.
package templates

import (
	"sort"

	"github.com/privatedb/agent/pkg/database"
)

// ParamKind is the type of a template parameter.
type ParamKind string

const (
	KindInteger ParamKind = "integer"
	KindString  ParamKind = "string"
	KindAddress ParamKind = "address"
	KindEnum    ParamKind = "enum"
	KindISODate ParamKind = "isoDate"
)

// ParamSpec describes one typed template parameter. A parameter is either
// required or carries a static default.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
	Default  any

	Min, Max       int64 // integer bounds, inclusive
	MinLen, MaxLen int   // string length bounds
	Enum           []string
}

// Template is one immutable registry entry. SQL is indexed by adapter
// dialect; Bind turns validated params into positional values in the order
// the SQL expects.
type Template struct {
	Name   string
	Mode   database.Mode
	Params []ParamSpec
	SQL    map[string]string
	Bind   func(params map[string]any) []any
}

// Registry is an ordered name → template mapping.
type Registry struct {
	names  []string
	byName map[string]*Template
}

// NewRegistry builds a registry over the given templates, ordered by name.
func NewRegistry(tpls ...*Template) *Registry {
	r := &Registry{byName: make(map[string]*Template, len(tpls))}
	for _, t := range tpls {
		if _, dup := r.byName[t.Name]; dup {
			continue
		}
		r.byName[t.Name] = t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)
	return r
}

// Lookup returns the template registered under name.
func (r *Registry) Lookup(name string) (*Template, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered template names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ParamNames returns the allowed parameter names for a template.
func (t *Template) ParamNames() []string {
	out := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		out = append(out, p.Name)
	}
	return out
}
