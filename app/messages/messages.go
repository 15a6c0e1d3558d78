// Package messages serves the collection as a REST resource under /api/v1/messages.
package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	contentnegotiation "gitlab.com/jamietanna/content-negotiation-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/authreq"
	"github.com/sour-is/livemsg/pkg/record"
	"github.com/sour-is/livemsg/pkg/set"
)

type service struct {
	svc *livemsg.Service

	m_request syncint64.Counter
	m_watch   syncint64.Counter
}

// control keys of a request body. Every other key is a field.
var control = set.New("clientMutationId", "orderBy", "ifVersion")

func New(ctx context.Context, svc *livemsg.Service) (*service, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s := &service{svc: svc}

	m := lg.Meter(ctx)
	var err, errs error

	s.m_request, err = m.SyncInt64().Counter("rest_request")
	errs = multierr.Append(errs, err)

	s.m_watch, err = m.SyncInt64().Counter("rest_watch")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return s, errs
}

var upgrader = websocket.Upgrader{
	WriteBufferSize: 4096,
}

func (s *service) RegisterHTTP(mux *http.ServeMux) {}
func (s *service) RegisterAPIv1(mux *http.ServeMux) {
	h := lg.Htrace(authreq.Identify(s), "messages")
	mux.Handle("/messages", h)
	mux.Handle("/messages/", h)
}

func (s *service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()
	r = r.WithContext(ctx)

	s.m_request.Add(ctx, 1)

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/messages"), "/")
	span.SetAttributes(
		attribute.String("method", r.Method),
		attribute.String("pk", rest),
	)

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			if websocket.IsWebSocketUpgrade(r) {
				s.watch(w, r)
				return
			}
			s.list(w, r)
		case http.MethodPost:
			s.create(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	pk, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %q is not a primary key", livemsg.ErrInvalidArgument, rest))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.get(w, r, pk)
	case http.MethodPatch, http.MethodPut:
		s.update(w, r, pk)
	case http.MethodDelete:
		s.delete(w, r, pk)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *service) list(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	q, err := s.query(r)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	page, err := s.svc.ResolveConnection(ctx, q)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	negotiator := contentnegotiation.NewNegotiator("application/json", "text/plain")
	negotiated, _, err := negotiator.Negotiate(r.Header.Get("Accept"))
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	span.AddEvent(negotiated.String())
	switch negotiated.String() {
	case "text/plain":
		w.Header().Set("content-type", "text/plain")
		for _, e := range page.Edges {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", e.Node.PK, e.Node.Version, e.Cursor, e.Node.Fields)
		}
	default:
		writeJSON(w, http.StatusOK, toPage(s.svc, page))
	}
}

func (s *service) get(w http.ResponseWriter, r *http.Request, pk int64) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	rec, err := s.svc.ResolveByPrimaryKey(ctx, pk)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, fmt.Errorf("%w: message %d", livemsg.ErrNotFound, pk))
		return
	}
	writeJSON(w, http.StatusOK, toMessage(s.svc, rec))
}

func (s *service) create(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	body, err := readBody(r)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	fields, err := fieldsOf(body)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	res, err := s.svc.CreateRecord(ctx, livemsg.CreateInput{
		Fields:           fields,
		OrderBy:          body.Get("orderBy").String(),
		ClientMutationID: body.Get("clientMutationId").String(),
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/messages/%d", res.Record.PK))
	writeJSON(w, http.StatusCreated, toResult(s.svc, res))
}

func (s *service) update(w http.ResponseWriter, r *http.Request, pk int64) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	body, err := readBody(r)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	patch, err := fieldsOf(body)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	res, err := s.svc.UpdateRecord(ctx, livemsg.UpdateInput{
		PK:               pk,
		Patch:            patch,
		IfVersion:        body.Get("ifVersion").Uint(),
		OrderBy:          body.Get("orderBy").String(),
		ClientMutationID: body.Get("clientMutationId").String(),
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toResult(s.svc, res))
}

func (s *service) delete(w http.ResponseWriter, r *http.Request, pk int64) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	in := livemsg.DeleteInput{
		PK:               pk,
		OrderBy:          r.URL.Query().Get("orderBy"),
		ClientMutationID: r.URL.Query().Get("clientMutationId"),
	}
	if v := r.URL.Query().Get("ifVersion"); v != "" {
		i, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: ifVersion", livemsg.ErrInvalidArgument))
			return
		}
		in.IfVersion = i
	}

	res, err := s.svc.DeleteRecord(ctx, in)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toResult(s.svc, res))
}

// watch streams every page delivered for the query until the client leaves.
func (s *service) watch(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	q, err := s.query(r)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	sub, err := s.svc.OpenLiveQuery(ctx, q, authreq.Identity(ctx))
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	defer sub.Close(context.WithoutCancel(ctx))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		return
	}
	defer conn.Close()

	s.m_watch.Add(ctx, 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for sub.Recv(ctx) {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(toPage(s.svc, sub.Page())); err != nil {
			span.RecordError(err)
			return
		}
	}
}

// query reads the window and ordering from the url. Any other parameter is
// an equality predicate on the field of that name.
func (s *service) query(r *http.Request) (livemsg.Query, error) {
	var q livemsg.Query
	q.Where = make(map[string]any)

	for name, values := range r.URL.Query() {
		v := values[0]
		var err error
		switch name {
		case "orderBy":
			q.OrderBy = v
		case "first":
			q.First, err = intArg(name, v)
		case "last":
			q.Last, err = intArg(name, v)
		case "offset":
			q.Offset, err = intArg(name, v)
		case "after":
			q.After = &v
		case "before":
			q.Before = &v
		default:
			q.Where[name] = s.predicate(name, v)
		}
		if err != nil {
			return q, err
		}
	}

	return q, nil
}

// predicate reads a query value as the kind of the named field. "null"
// matches unset fields.
func (s *service) predicate(name, v string) any {
	if v == "null" {
		return nil
	}
	f, ok := s.svc.Schema().Field(name)
	if !ok || !gjson.Valid(v) {
		return v
	}
	switch res := gjson.Parse(v); {
	case res.Type == gjson.Number && (f.Kind == record.KindInt || f.Kind == record.KindFloat):
		return number(res)
	case (res.Type == gjson.True || res.Type == gjson.False) && f.Kind == record.KindBool:
		return res.Bool()
	}
	return v
}

func intArg(name, v string) (*int, error) {
	i, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", livemsg.ErrInvalidArgument, name)
	}
	return &i, nil
}

func readBody(r *http.Request) (gjson.Result, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return gjson.Result{}, err
	}
	r.Body.Close()

	if !gjson.ValidBytes(b) {
		return gjson.Result{}, fmt.Errorf("%w: body is not json", livemsg.ErrInvalidArgument)
	}
	res := gjson.ParseBytes(b)
	if !res.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: body is not an object", livemsg.ErrInvalidArgument)
	}
	return res, nil
}

func fieldsOf(body gjson.Result) (map[string]any, error) {
	fields := make(map[string]any)

	var err error
	body.ForEach(func(k, v gjson.Result) bool {
		name := k.String()
		if control.Has(name) {
			return true
		}
		switch v.Type {
		case gjson.Null:
			fields[name] = nil
		case gjson.True, gjson.False:
			fields[name] = v.Bool()
		case gjson.Number:
			fields[name] = number(v)
		case gjson.String:
			fields[name] = v.String()
		default:
			err = fmt.Errorf("%w: field %s must be a scalar", record.ErrValidationFailed, name)
			return false
		}
		return true
	})

	return fields, err
}

func number(v gjson.Result) any {
	if strings.ContainsAny(v.Raw, ".eE") {
		return v.Float()
	}
	return v.Int()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := livemsg.Code(err)
	writeJSON(w, status(code), Error{Code: code, Message: err.Error()})
}

func status(code string) int {
	switch code {
	case "INVALID_ARGUMENT", "INVALID_CURSOR", "CURSOR_ORDERING_MISMATCH", "INVALID_IDENTIFIER":
		return http.StatusBadRequest
	case "VALIDATION_FAILED":
		return http.StatusUnprocessableEntity
	case "NOT_FOUND":
		return http.StatusNotFound
	case "CONCURRENT_MODIFICATION":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
