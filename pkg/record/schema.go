package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrValidationFailed = errors.New("validation failed")
	ErrUnknownField     = errors.New("unknown field")
)

// Op is a mutation kind.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Validator checks mutation input before anything touches storage.
type Validator interface {
	Validate(op Op, fields Fields) error
}

// Field declares one payload field of a collection.
type Field struct {
	Name     string
	Kind     Kind
	Required bool

	// AutoNow fills an absent time field with the commit time on create.
	AutoNow bool
}

// Schema declares a collection. It is the default Validator.
type Schema struct {
	Collection string
	Fields     []Field
}

// Messages is the collection served by this module.
var Messages = &Schema{
	Collection: "Message",
	Fields: []Field{
		{Name: "text", Kind: KindString, Required: true},
		{Name: "author", Kind: KindString},
		{Name: "channel", Kind: KindString},
		{Name: "createdAt", Kind: KindTime, AutoNow: true},
	},
}

// Field looks up a declared field. The primary key is always declared.
func (s *Schema) Field(name string) (Field, bool) {
	if name == PrimaryKey {
		return Field{Name: PrimaryKey, Kind: KindInt}, true
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names lists the declared payload fields, sorted.
func (s *Schema) Names() []string {
	lis := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		lis[i] = f.Name
	}
	sort.Strings(lis)
	return lis
}

// Coerce converts input values to the declared kinds of their fields.
func (s *Schema) Coerce(fields Fields) (Fields, error) {
	out := make(Fields, len(fields))
	var errs error
	for name, v := range fields {
		f, ok := s.Field(name)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrUnknownField, name))
			continue
		}
		c, ok := Coerce(v, f.Kind)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("field %s: expected %s, got %s", name, f.Kind, v.Kind()))
			continue
		}
		out[name] = c
	}
	return out, errs
}

var _ Validator = (*Schema)(nil)

// Validate checks that fields are declared and of the declared kind. On
// create every required field must be present; on update a required field
// may be omitted but not cleared. The primary key is never writable.
func (s *Schema) Validate(op Op, fields Fields) error {
	var errs error
	for _, name := range sortedKeys(fields) {
		v := fields[name]
		if name == PrimaryKey {
			errs = multierr.Append(errs, fmt.Errorf("field %s is immutable", PrimaryKey))
			continue
		}
		f, ok := s.Field(name)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrUnknownField, name))
			continue
		}
		if v.IsNull() {
			if f.Required && op != OpDelete {
				errs = multierr.Append(errs, fmt.Errorf("field %s is required", name))
			}
			continue
		}
		if v.Kind() != f.Kind {
			errs = multierr.Append(errs, fmt.Errorf("field %s: expected %s, got %s", name, f.Kind, v.Kind()))
		}
	}
	if op == OpCreate {
		for _, f := range s.Fields {
			if _, ok := fields[f.Name]; f.Required && !ok {
				errs = multierr.Append(errs, fmt.Errorf("field %s is required", f.Name))
			}
		}
	}
	if errs != nil {
		lis := multierr.Errors(errs)
		msgs := make([]string, len(lis))
		for i, err := range lis {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(msgs, "; "))
	}
	return nil
}

func sortedKeys(f Fields) []string {
	lis := make([]string, 0, len(f))
	for k := range f {
		lis = append(lis, k)
	}
	sort.Strings(lis)
	return lis
}

// Defaults fills absent AutoNow fields on create.
func (s *Schema) Defaults(op Op, fields Fields, now time.Time) Fields {
	if op != OpCreate {
		return fields
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for _, f := range s.Fields {
		if f.AutoNow && out[f.Name].IsNull() {
			out[f.Name] = Time(now)
		}
	}
	return out
}
