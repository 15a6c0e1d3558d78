// Package order builds total orders over records.
//
// A Key is a list of terms that always ends with the primary key, so two
// distinct records never compare equal. NULL is the smallest value: it sorts
// first for an ascending term and last for a descending one.
package order

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/sour-is/livemsg/pkg/record"
)

var ErrUnknownOrdering = fmt.Errorf("%w: unknown ordering", record.ErrInvalidArgument)

type Direction bool

const (
	Asc  Direction = false
	Desc Direction = true
)

func (d Direction) String() string {
	if d == Desc {
		return "DESC"
	}
	return "ASC"
}

// Term orders by one field.
type Term struct {
	Field string
	Dir   Direction
}

func (t Term) String() string { return t.Field + ":" + t.Dir.String() }

// Key is a total order over the collection.
type Key struct {
	terms []Term
	fp    uint64
}

// Values is the tuple a record takes under a Key, one entry per term.
type Values []record.Value

const (
	Natural        = "NATURAL"
	PrimaryKeyAsc  = "PRIMARY_KEY_ASC"
	PrimaryKeyDesc = "PRIMARY_KEY_DESC"
)

// New builds a Key from terms. A trailing primary key term is appended when
// missing, using the direction of the last term. Terms after a primary key
// term are dropped; Parse rejects them.
func New(terms ...Term) Key {
	lis := make([]Term, 0, len(terms)+1)
	dir := Asc
	for _, t := range terms {
		if t.Field == record.PrimaryKey {
			lis = append(lis, t)
			return seal(lis)
		}
		lis = append(lis, t)
		dir = t.Dir
	}
	lis = append(lis, Term{Field: record.PrimaryKey, Dir: dir})
	return seal(lis)
}

func seal(terms []Term) Key {
	k := Key{terms: terms}
	h := fnv.New64a()
	h.Write([]byte(k.String()))
	k.fp = h.Sum64()
	return k
}

// Parse reads an ordering selector: NATURAL, PRIMARY_KEY_ASC,
// PRIMARY_KEY_DESC, <FIELD>_ASC or <FIELD>_DESC, or a comma separated list of
// them. Field names are given in upper snake case and must be declared by schema.
// A primary key term can only come last.
func Parse(schema *record.Schema, selector string) (Key, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		selector = Natural
	}

	var terms []Term
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if n := len(terms); n > 0 && terms[n-1].Field == record.PrimaryKey {
			return Key{}, fmt.Errorf("%w: %q follows the primary key", ErrUnknownOrdering, part)
		}
		switch part {
		case Natural, PrimaryKeyAsc:
			terms = append(terms, Term{Field: record.PrimaryKey, Dir: Asc})
			continue
		case PrimaryKeyDesc:
			terms = append(terms, Term{Field: record.PrimaryKey, Dir: Desc})
			continue
		}

		var dir Direction
		var name string
		switch {
		case strings.HasSuffix(part, "_ASC"):
			name, dir = strings.TrimSuffix(part, "_ASC"), Asc
		case strings.HasSuffix(part, "_DESC"):
			name, dir = strings.TrimSuffix(part, "_DESC"), Desc
		default:
			return Key{}, fmt.Errorf("%w: %q", ErrUnknownOrdering, part)
		}

		field, ok := fieldFor(schema, name)
		if !ok {
			return Key{}, fmt.Errorf("%w: %q", ErrUnknownOrdering, part)
		}
		terms = append(terms, Term{Field: field, Dir: dir})
	}

	return New(terms...), nil
}

// MustParse is Parse for selectors known to be valid.
func MustParse(schema *record.Schema, selector string) Key {
	k, err := Parse(schema, selector)
	if err != nil {
		panic(err)
	}
	return k
}

func fieldFor(schema *record.Schema, snake string) (string, bool) {
	for _, name := range schema.Names() {
		if Snake(name) == snake {
			return name, true
		}
	}
	return "", false
}

// Snake converts a field name like createdAt to CREATED_AT.
func Snake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteRune('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

func (k Key) Terms() []Term {
	lis := make([]Term, len(k.terms))
	copy(lis, k.terms)
	return lis
}
func (k Key) Len() int { return len(k.terms) }

// Fingerprint identifies the Key. Keys with the same terms share it.
func (k Key) Fingerprint() uint64 { return k.fp }

// IsZero reports whether the key was never built.
func (k Key) IsZero() bool { return len(k.terms) == 0 }

func (k Key) String() string {
	lis := make([]string, len(k.terms))
	for i, t := range k.terms {
		lis[i] = t.String()
	}
	return strings.Join(lis, ",")
}

// Values extracts the tuple of rec under k.
func (k Key) Values(rec *record.Record) Values {
	v := make(Values, len(k.terms))
	for i, t := range k.terms {
		v[i] = rec.Get(t.Field)
	}
	return v
}

// Compare orders two tuples under k. Both must come from k.
func (k Key) Compare(a, b Values) int {
	for i, t := range k.terms {
		if i >= len(a) || i >= len(b) {
			break
		}
		c := a[i].Compare(b[i])
		if t.Dir == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// Less orders two records under k.
func (k Key) Less(a, b *record.Record) bool {
	return k.Compare(k.Values(a), k.Values(b)) < 0
}

func (v Values) Equal(o Values) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if !v[i].Equal(o[i]) {
			return false
		}
	}
	return true
}
