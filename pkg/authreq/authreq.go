// Package authreq signs requests with an ed25519 key and verifies them. The
// signer's public key becomes the request identity.
package authreq

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var SignatureLifetime = 90 * time.Minute

var (
	ErrNoSignature  = errors.New("no signature")
	ErrBadSignature = errors.New("bad signature")
	ErrWrongRequest = errors.New("signature is for another request")
)

type contextKey struct{ name string }

var identityKey = contextKey{"identity"}

// Identity returns the verified signer of the request served with ctx, or
// an empty string for anonymous requests.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

// WithIdentity stores id as the request identity.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Sign sets a JWT on the Authorization header that covers the method, the
// request URI and the body.
func Sign(req *http.Request, key ed25519.PrivateKey) error {
	pub := enc([]byte(key.Public().(ed25519.PublicKey)))

	subject, err := digest(req)
	if err != nil {
		return err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(SignatureLifetime)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Issuer:    pub,
	})

	sig, err := token.SignedString(key)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", sig)

	return nil
}

// Verify checks the signature on req and returns the signer.
func Verify(req *http.Request) (string, error) {
	auth := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if auth == "" {
		return "", ErrNoSignature
	}

	subject, err := digest(req)
	if err != nil {
		return "", err
	}

	token, err := jwt.ParseWithClaims(
		auth,
		&jwt.RegisteredClaims{},
		func(tok *jwt.Token) (any, error) {
			c, ok := tok.Claims.(*jwt.RegisteredClaims)
			if !ok {
				return nil, fmt.Errorf("wrong type of claim")
			}

			pub, err := dec(c.Issuer)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("issuer is not a public key")
			}
			return ed25519.PublicKey(pub), nil
		},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithJSONNumber(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadSignature, err)
	}

	c, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", ErrBadSignature
	}
	if c.Subject != subject {
		return "", ErrWrongRequest
	}

	return c.Issuer, nil
}

// Authorization only serves signed requests.
func Authorization(hdlr http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		id, err := Verify(req)
		if err != nil {
			rw.WriteHeader(status(err))
			return
		}
		hdlr.ServeHTTP(rw, req.WithContext(WithIdentity(req.Context(), id)))
	})
}

// Identify serves unsigned requests anonymously and rejects bad signatures.
func Identify(hdlr http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		id, err := Verify(req)
		switch {
		case errors.Is(err, ErrNoSignature):
		case err != nil:
			rw.WriteHeader(status(err))
			return
		default:
			req = req.WithContext(WithIdentity(req.Context(), id))
		}
		hdlr.ServeHTTP(rw, req)
	})
}

func status(err error) int {
	switch {
	case errors.Is(err, ErrNoSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrWrongRequest):
		return http.StatusForbidden
	case errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// digest hashes the request and restores the body for the next reader.
func digest(req *http.Request) (string, error) {
	h := fnv.New128a()
	fmt.Fprint(h, req.Method, req.URL.RequestURI())

	if req.Body != nil {
		b := &bytes.Buffer{}
		w := io.MultiWriter(h, b)
		_, err := io.Copy(w, req.Body)
		if err != nil {
			return "", err
		}
		req.Body.Close()
		req.Body = io.NopCloser(b)
	}

	return enc(h.Sum(nil)), nil
}

func enc(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
func dec(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	return base64.RawURLEncoding.DecodeString(s)
}
