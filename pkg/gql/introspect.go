package gql

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// reflectObject exposes the introspection types by their exported methods and fields.
type reflectObject struct {
	v reflect.Value
}

// reflected wraps a struct, a pointer to one or a slice of them. It
// returns nil, an object or a []object.
func reflected(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return &reflectObject{rv}
	case reflect.Struct:
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		return &reflectObject{p}
	case reflect.Slice:
		lis := make([]object, rv.Len())
		for i := range lis {
			if o, ok := reflected(rv.Index(i).Interface()).(object); ok {
				lis[i] = o
			}
		}
		return lis
	default:
		return nil
	}
}

func (o *reflectObject) typename() string { return "__" + o.v.Elem().Type().Name() }

func (o *reflectObject) field(ctx context.Context, name string, args map[string]any) (any, error) {
	exported := strings.ToUpper(name[:1]) + name[1:]

	if m := o.v.MethodByName(exported); m.IsValid() {
		in := make([]reflect.Value, m.Type().NumIn())
		for i := range in {
			if m.Type().In(i).Kind() != reflect.Bool {
				return nil, fmt.Errorf("cannot resolve %s", name)
			}
			b, _ := args["includeDeprecated"].(bool)
			in[i] = reflect.ValueOf(b)
		}
		out := m.Call(in)
		if len(out) != 1 {
			return nil, fmt.Errorf("cannot resolve %s", name)
		}
		return scalar(out[0]), nil
	}

	if f := o.v.Elem().FieldByName(exported); f.IsValid() && f.CanInterface() {
		return scalar(f), nil
	}

	return nil, fmt.Errorf("no field %s on %s", name, o.typename())
}

// scalar dereferences pointers to scalars. Structs are left to complete.
func scalar(v reflect.Value) any {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		if v.Elem().Kind() != reflect.Struct {
			return v.Elem().Interface()
		}
	}
	return v.Interface()
}
