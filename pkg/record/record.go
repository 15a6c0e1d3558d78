// Package record defines the items of the collection and the collaborators
// that validate their shape and encode their identity.
package record

import (
	"fmt"
	"sort"
	"strings"
)

// PrimaryKey is the field name that addresses Record.PK.
const PrimaryKey = "id"

// Fields holds the payload of a record by field name. Absent fields read as Null.
type Fields map[string]Value

// Record is one addressable item of the collection.
type Record struct {
	PK      int64
	Version uint64
	Fields  Fields
}

// Get returns the named field. The primary key is available as "id".
func (r *Record) Get(field string) Value {
	if r == nil {
		return Null
	}
	if field == PrimaryKey {
		return Int(r.PK)
	}
	return r.Fields[field]
}

// Clone returns a deep copy; records handed out by drivers must not share maps.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{PK: r.PK, Version: r.Version, Fields: make(Fields, len(r.Fields))}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return c
}

// Equal compares key, version and every field.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.PK != o.PK || r.Version != o.Version {
		return false
	}
	return r.Fields.Equal(o.Fields)
}

// Patch returns a copy of the fields with p applied. Null entries in p clear the field.
func (f Fields) Patch(p Fields) Fields {
	out := make(Fields, len(f)+len(p))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range p {
		if v.IsNull() {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Equal treats absent and Null as the same.
func (f Fields) Equal(o Fields) bool {
	for k, v := range f {
		if !o[k].Equal(v) {
			return false
		}
	}
	for k, v := range o {
		if !f[k].Equal(v) {
			return false
		}
	}
	return true
}

// Names returns the non-null field names, sorted.
func (f Fields) Names() []string {
	lis := make([]string, 0, len(f))
	for k, v := range f {
		if !v.IsNull() {
			lis = append(lis, k)
		}
	}
	sort.Strings(lis)
	return lis
}

func (f Fields) String() string {
	var b strings.Builder
	b.WriteRune('{')
	for i, k := range f.Names() {
		if i > 0 {
			b.WriteRune(' ')
		}
		fmt.Fprintf(&b, "%s:%s", k, f[k])
	}
	b.WriteRune('}')
	return b.String()
}

// FieldsOf converts decoded input, such as a JSON object, into Fields.
func FieldsOf(raw map[string]any) (Fields, error) {
	f := make(Fields, len(raw))
	for name, a := range raw {
		v, err := Of(a)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %s", ErrValidationFailed, name, err)
		}
		f[name] = v
	}
	return f, nil
}
