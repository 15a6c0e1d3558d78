package gql

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// object is a value with a selection set.
type object interface {
	typename() string
	field(ctx context.Context, name string, args map[string]any) (any, error)
}

// executor walks one operation. Field errors are collected and the field
// resolves to null, so sibling fields are unaffected.
type executor struct {
	schema *ast.Schema
	vars   map[string]any
	errs   gqlerror.List
}

type member struct {
	key   string
	value any
}

// fields keeps response keys in selection order.
type fields []member

func (f fields) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, m := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(m.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.value)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (e *executor) response(data fields) *graphql.Response {
	b, err := json.Marshal(data)
	if err != nil {
		e.errs = append(e.errs, asGQL(err, nil))
		b = []byte("null")
	}
	return &graphql.Response{Data: b, Errors: e.errs}
}

func (e *executor) selectSet(ctx context.Context, obj object, set ast.SelectionSet, path ast.Path) fields {
	sel := e.collect(set, obj.typename())
	out := make(fields, 0, len(sel))

	for _, f := range sel {
		key := f.Alias
		if key == "" {
			key = f.Name
		}
		p := append(path[:len(path):len(path)], ast.PathName(key))

		if f.Name == "__typename" {
			out = append(out, member{key, obj.typename()})
			continue
		}

		v, err := obj.field(ctx, f.Name, f.ArgumentMap(e.vars))
		if err != nil {
			e.errs = append(e.errs, asGQL(err, p))
			out = append(out, member{key, nil})
			continue
		}
		out = append(out, member{key, e.complete(ctx, v, f.SelectionSet, p)})
	}

	return out
}

func (e *executor) complete(ctx context.Context, v any, set ast.SelectionSet, path ast.Path) any {
	switch v := v.(type) {
	case nil:
		return nil
	case object:
		return e.selectSet(ctx, v, set, path)
	case []object:
		lis := make([]any, len(v))
		for i := range v {
			lis[i] = e.complete(ctx, v[i], set, append(path[:len(path):len(path)], ast.PathIndex(i)))
		}
		return lis
	default:
		if len(set) > 0 {
			return e.complete(ctx, reflected(v), set, path)
		}
		return v
	}
}

// collect flattens fragments that apply to typename and drops skipped fields.
func (e *executor) collect(set ast.SelectionSet, typename string) []*ast.Field {
	var lis []*ast.Field
	for _, sel := range set {
		switch sel := sel.(type) {
		case *ast.Field:
			if e.included(sel.Directives) {
				lis = append(lis, sel)
			}
		case *ast.InlineFragment:
			if e.included(sel.Directives) && e.applies(sel.TypeCondition, typename) {
				lis = append(lis, e.collect(sel.SelectionSet, typename)...)
			}
		case *ast.FragmentSpread:
			if sel.Definition != nil && e.included(sel.Directives) && e.applies(sel.Definition.TypeCondition, typename) {
				lis = append(lis, e.collect(sel.Definition.SelectionSet, typename)...)
			}
		}
	}
	return lis
}

func (e *executor) included(dirs ast.DirectiveList) bool {
	if d := dirs.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(e.vars)["if"].(bool); skip {
			return false
		}
	}
	if d := dirs.ForName("include"); d != nil {
		if include, _ := d.ArgumentMap(e.vars)["if"].(bool); !include {
			return false
		}
	}
	return true
}

func (e *executor) applies(cond, typename string) bool {
	if cond == "" || cond == typename {
		return true
	}
	def := e.schema.Types[cond]
	if def == nil {
		return false
	}
	for _, t := range e.schema.GetPossibleTypes(def) {
		if t.Name == typename {
			return true
		}
	}
	return false
}
