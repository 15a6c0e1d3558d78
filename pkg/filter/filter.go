// Package filter selects records by field equality.
package filter

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/sour-is/livemsg/pkg/record"
)

var ErrInvalidFilter = fmt.Errorf("%w: invalid filter", record.ErrInvalidArgument)

// Condition is a conjunction of equality predicates keyed by field name. A
// Null value matches records where the field is null or absent. The empty
// Condition matches every record.
type Condition map[string]record.Value

// Parse coerces raw predicate values to the kinds declared by schema.
func Parse(schema *record.Schema, raw map[string]any) (Condition, error) {
	cond := make(Condition, len(raw))
	for name, a := range raw {
		f, ok := schema.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %s", ErrInvalidFilter, name)
		}
		v, err := record.Of(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidFilter, name, err)
		}
		c, ok := record.Coerce(v, f.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected %s, got %s", ErrInvalidFilter, name, f.Kind, v.Kind())
		}
		cond[name] = c
	}
	return cond, nil
}

// Match reports whether rec satisfies every predicate. A nil record matches nothing.
func (c Condition) Match(rec *record.Record) bool {
	if rec == nil {
		return false
	}
	for name, want := range c {
		if !rec.Get(name).Equal(want) {
			return false
		}
	}
	return true
}

// Fields returns the constrained field names, sorted.
func (c Condition) Fields() []string {
	lis := make([]string, 0, len(c))
	for k := range c {
		lis = append(lis, k)
	}
	sort.Strings(lis)
	return lis
}

// Fingerprint identifies the condition regardless of map order.
func (c Condition) Fingerprint() uint64 {
	h := fnv.New64a()
	h.Write([]byte(c.String()))
	return h.Sum64()
}

func (c Condition) String() string {
	var b strings.Builder
	for i, name := range c.Fields() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		v := c[name]
		fmt.Fprintf(&b, "%s:%d=%s", name, v.Kind(), v)
	}
	return b.String()
}
