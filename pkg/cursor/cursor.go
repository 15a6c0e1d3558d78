// Package cursor encodes positions in an ordered collection as opaque tokens.
//
// A token is the base64url text of a deterministic CBOR array holding the
// ordering fingerprint followed by the ordering values of one record. Only the
// ordering is bound into the token; the same cursor is valid for any filter.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

var (
	ErrInvalidCursor          = errors.New("invalid cursor")
	ErrCursorOrderingMismatch = errors.New("cursor ordering mismatch")
)

type payload struct {
	_      struct{} `cbor:",toarray"`
	FP     uint64
	Values []record.Value
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{MaxArrayElements: 1024}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode returns the token for values under key.
func Encode(key order.Key, values order.Values) (string, error) {
	if len(values) != key.Len() {
		return "", fmt.Errorf("%w: %d values for %d terms", ErrInvalidCursor, len(values), key.Len())
	}

	b, err := record.Marshal(payload{FP: key.Fingerprint(), Values: values})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode reads a token issued for key.
func Decode(token string, key order.Key) (order.Values, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64url", ErrInvalidCursor)
	}

	var p payload
	if err := decMode.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
	}
	if p.FP != key.Fingerprint() {
		return nil, fmt.Errorf("%w: cursor is not for %s", ErrCursorOrderingMismatch, key)
	}
	if len(p.Values) != key.Len() {
		return nil, fmt.Errorf("%w: %d values for %d terms", ErrInvalidCursor, len(p.Values), key.Len())
	}

	return order.Values(p.Values), nil
}

// For returns the token of rec under key.
func For(key order.Key, rec *record.Record) string {
	s, err := Encode(key, key.Values(rec))
	if err != nil {
		// key.Values always yields one value per term.
		panic(err)
	}
	return s
}
