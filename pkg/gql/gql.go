// Package gql serves the collection over GraphQL. Queries and mutations are
// accepted over HTTP; live queries stream over a websocket.
package gql

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/extension"
	"github.com/99designs/gqlgen/graphql/handler/lru"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/gorilla/websocket"
	"github.com/ravilushqa/otelgqlgen"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/authreq"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/live"
	"github.com/sour-is/livemsg/pkg/mutation"
	"github.com/sour-is/livemsg/pkg/record"
)

//go:embed schema.graphql
var schemaText string

// Service is what the resolvers read from and write to.
type Service interface {
	ID(pk int64) string
	ResolveConnection(context.Context, livemsg.Query) (*connection.Page, error)
	ResolveByPrimaryKey(context.Context, int64) (*record.Record, error)
	ResolveByIdentifier(context.Context, string) (*record.Record, error)
	CreateRecord(context.Context, livemsg.CreateInput) (*mutation.Result, error)
	UpdateRecord(context.Context, livemsg.UpdateInput) (*mutation.Result, error)
	DeleteRecord(context.Context, livemsg.DeleteInput) (*mutation.Result, error)
	OpenLiveQuery(context.Context, livemsg.Query, string) (*live.Subscription, error)
}

var _ Service = (*livemsg.Service)(nil)

var errIntrospection = errors.New("introspection is disabled")

type Handler struct {
	svc    Service
	schema *ast.Schema
	srv    *handler.Server

	// CheckOrigin guards websocket upgrades. Nil allows same-origin requests only.
	CheckOrigin func(r *http.Request) bool

	m_request      syncint64.Counter
	m_subscription syncint64.Counter
}

func New(ctx context.Context, svc Service) (*Handler, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	schema, gerr := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: schemaText})
	if gerr != nil {
		span.RecordError(gerr)
		return nil, fmt.Errorf("load schema: %w", gerr)
	}

	h := &Handler{svc: svc, schema: schema}

	h.srv = handler.New(executableSchema{h})
	h.srv.AddTransport(transport.Websocket{
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if h.CheckOrigin != nil {
					return h.CheckOrigin(r)
				}
				return sameOrigin(r)
			},
		},
		KeepAlivePingInterval: 10 * time.Second,
	})
	h.srv.AddTransport(transport.Options{})
	h.srv.AddTransport(transport.GET{})
	h.srv.AddTransport(transport.POST{})

	h.srv.SetQueryCache(lru.New(1000))

	h.srv.Use(extension.Introspection{})
	h.srv.Use(otelgqlgen.Middleware())

	m := lg.Meter(ctx)
	var err, errs error

	h.m_request, err = m.SyncInt64().Counter("gql_request")
	errs = multierr.Append(errs, err)

	h.m_subscription, err = m.SyncInt64().Counter("gql_subscription")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return h, errs
}

func (h *Handler) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("/gql", lg.Htrace(authreq.Identify(h), "gql"))
	mux.Handle("/playground", playground.Handler("livemsg", "/gql"))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	h.srv.ServeHTTP(w, r.WithContext(ctx))
}

// asGQL converts err into a GraphQL error at path, tagged with its error code.
func asGQL(err error, path ast.Path) *gqlerror.Error {
	var gerr *gqlerror.Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return &gqlerror.Error{
		Message:    err.Error(),
		Path:       path,
		Extensions: map[string]any{"code": livemsg.Code(err)},
	}
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
