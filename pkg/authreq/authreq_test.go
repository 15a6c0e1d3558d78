package authreq_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/livemsg/pkg/authreq"
)

func TestSignVerify(t *testing.T) {
	is := is.New(t)

	pub, key, err := ed25519.GenerateKey(nil)
	is.NoErr(err)

	var seen, body string
	hdlr := authreq.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = authreq.Identity(r.Context())
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))

	req, err := http.NewRequest(http.MethodPost, "http://example.com/api/v1/messages?x=1", strings.NewReader(`{"text":"hi"}`))
	is.NoErr(err)
	is.NoErr(authreq.Sign(req, key))
	signed := req

	srv := httptest.NewRequest(http.MethodPost, "/api/v1/messages?x=1", signed.Body)
	srv.Header = signed.Header

	w := httptest.NewRecorder()
	hdlr.ServeHTTP(w, srv)
	is.Equal(w.Code, http.StatusOK)
	is.Equal(body, `{"text":"hi"}`)
	is.Equal(seen, base64.RawURLEncoding.EncodeToString(pub))

	// anonymous requests pass through Identify.
	seen = "x"
	w = httptest.NewRecorder()
	hdlr.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	is.Equal(w.Code, http.StatusOK)
	is.Equal(seen, "")

	// but not Authorization.
	w = httptest.NewRecorder()
	authreq.Authorization(hdlr).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	is.Equal(w.Code, http.StatusUnauthorized)

	// a signature is bound to its request.
	other := httptest.NewRequest(http.MethodPost, "/api/v1/messages?x=2", bytes.NewBufferString(`{"text":"hi"}`))
	other.Header = signed.Header
	w = httptest.NewRecorder()
	hdlr.ServeHTTP(w, other)
	is.Equal(w.Code, http.StatusForbidden)

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("Authorization", "not.a.jwt")
	w = httptest.NewRecorder()
	hdlr.ServeHTTP(w, bad)
	is.Equal(w.Code, http.StatusUnauthorized)
}
