package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type wire struct {
	_    struct{} `cbor:",toarray"`
	Kind Kind
	I    int64
	F    float64
	S    string
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v as deterministic CBOR. Equal inputs give equal bytes.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR produced by Marshal.
func Unmarshal(b []byte, v any) error { return cbor.Unmarshal(b, v) }

func (v Value) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(wire{Kind: v.kind, I: v.i, F: v.f, S: v.s})
}

func (v *Value) UnmarshalCBOR(b []byte) error {
	var w wire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Kind > KindTime {
		return fmt.Errorf("unknown value kind %d", w.Kind)
	}
	if w.Kind == KindBool && w.I != 0 && w.I != 1 {
		return fmt.Errorf("bad bool %d", w.I)
	}
	*v = Value{kind: w.Kind, i: w.I, f: w.F, s: w.S}
	return nil
}

// MarshalJSON writes the plain JSON value. Times are RFC 3339 strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindTime {
		return json.Marshal(v.Time().Format(time.RFC3339Nano))
	}
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var a any
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	o, err := Of(a)
	if err != nil {
		return err
	}
	*v = o
	return nil
}
