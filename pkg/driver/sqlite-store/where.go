package sqlitestore

import (
	"fmt"
	"strings"
	"time"

	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

// where builds a conjunction of predicates with positional arguments.
type where struct {
	schema *record.Schema
	preds  []string
	args   []any
	err    error
}

func (w *where) String() string {
	if len(w.preds) == 0 {
		return "1"
	}
	return strings.Join(w.preds, " AND ")
}

func (w *where) condition(cond filter.Condition) {
	for _, name := range cond.Fields() {
		v := cond[name]
		f, ok := w.schema.Field(name)
		switch {
		case !ok && v.IsNull():
			// undeclared fields are always null
		case !ok:
			w.preds = append(w.preds, "0")
		case v.IsNull():
			w.preds = append(w.preds, column(name)+" IS NULL")
		case v.Kind() != f.Kind:
			w.preds = append(w.preds, "0")
		default:
			w.preds = append(w.preds, column(name)+" = ?")
			w.args = append(w.args, toSQL(v))
		}
	}
}

// bound adds the keyset predicate for rows beyond b. after selects rows that
// sort after b under key, otherwise rows that sort before it.
func (w *where) bound(key order.Key, b *driver.Bound, after bool) {
	terms := key.Terms()
	if len(b.Values) != len(terms) {
		w.err = fmt.Errorf("bound has %d values for %d terms", len(b.Values), len(terms))
		return
	}
	for _, t := range terms {
		if _, ok := w.schema.Field(t.Field); !ok {
			w.err = fmt.Errorf("order by undeclared field %s", t.Field)
			return
		}
	}

	var ors []string
	var args []any
	for i, t := range terms {
		var ands []string
		for j := 0; j < i; j++ {
			p, a := eq(terms[j], b.Values[j])
			ands = append(ands, p)
			args = append(args, a...)
		}
		p, a := beyond(t, b.Values[i], after)
		ands = append(ands, p)
		args = append(args, a...)

		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	if b.Inclusive {
		var ands []string
		for j, t := range terms {
			p, a := eq(t, b.Values[j])
			ands = append(ands, p)
			args = append(args, a...)
		}
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}

	w.preds = append(w.preds, "("+strings.Join(ors, " OR ")+")")
	w.args = append(w.args, args...)
}

func eq(t order.Term, v record.Value) (string, []any) {
	if v.IsNull() {
		return column(t.Field) + " IS NULL", nil
	}
	return column(t.Field) + " = ?", []any{toSQL(v)}
}

// beyond matches values that sort strictly after (or before) v under t.
// NULL sorts first ascending and last descending, as SQLite orders it.
func beyond(t order.Term, v record.Value, after bool) (string, []any) {
	col := column(t.Field)
	larger := after == (t.Dir == order.Asc)

	switch {
	case v.IsNull() && larger:
		return col + " IS NOT NULL", nil
	case v.IsNull():
		return "0", nil
	case larger:
		return col + " > ?", []any{toSQL(v)}
	default:
		return "(" + col + " < ? OR " + col + " IS NULL)", []any{toSQL(v)}
	}
}

func column(field string) string {
	if field == record.PrimaryKey {
		return "id"
	}
	return quote(field)
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnType(k record.Kind) string {
	switch k {
	case record.KindString:
		return "TEXT"
	case record.KindFloat:
		return "REAL"
	default:
		return "INTEGER"
	}
}

func toSQL(v record.Value) any {
	switch v.Kind() {
	case record.KindNull:
		return nil
	case record.KindBool:
		if v.Bool() {
			return int64(1)
		}
		return int64(0)
	case record.KindTime:
		return v.Time().UnixNano()
	default:
		return v.Any()
	}
}

func fromSQL(a any, k record.Kind) (record.Value, error) {
	if a == nil {
		return record.Null, nil
	}
	switch k {
	case record.KindString:
		switch a := a.(type) {
		case string:
			return record.String(a), nil
		case []byte:
			return record.String(string(a)), nil
		}
	case record.KindInt:
		if i, ok := a.(int64); ok {
			return record.Int(i), nil
		}
	case record.KindFloat:
		switch a := a.(type) {
		case float64:
			return record.Float(a), nil
		case int64:
			return record.Float(float64(a)), nil
		}
	case record.KindBool:
		if i, ok := a.(int64); ok {
			return record.Bool(i != 0), nil
		}
	case record.KindTime:
		if i, ok := a.(int64); ok {
			return record.Time(time.Unix(0, i)), nil
		}
	}
	return record.Null, fmt.Errorf("unexpected %T for %s", a, k)
}
