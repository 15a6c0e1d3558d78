package record

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

// Identity maps (collection, primary key) to the opaque identifiers used at the API surface.
type Identity interface {
	Encode(collection string, pk int64) string
	Decode(id string) (collection string, pk int64, err error)
}

// Base64Identity encodes identifiers as base64url("<collection>:<pk>").
type Base64Identity struct{}

var _ Identity = Base64Identity{}

func (Base64Identity) Encode(collection string, pk int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(collection + ":" + strconv.FormatInt(pk, 10)))
}

func (Base64Identity) Decode(id string) (string, int64, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(id))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q is not base64url", ErrInvalidIdentifier, id)
	}
	collection, key, ok := strings.Cut(string(b), ":")
	if !ok || collection == "" {
		return "", 0, fmt.Errorf("%w: %q has no collection", ErrInvalidIdentifier, id)
	}
	pk, err := strconv.ParseInt(key, 10, 64)
	if err != nil || pk < 1 {
		return "", 0, fmt.Errorf("%w: %q has no valid key", ErrInvalidIdentifier, id)
	}
	return collection, pk, nil
}

// DecodeFor decodes id and checks it names the given collection.
func DecodeFor(ident Identity, collection, id string) (int64, error) {
	c, pk, err := ident.Decode(id)
	if err != nil {
		return 0, err
	}
	if c != collection {
		return 0, fmt.Errorf("%w: %q belongs to %s, not %s", ErrInvalidIdentifier, id, c, collection)
	}
	return pk, nil
}
