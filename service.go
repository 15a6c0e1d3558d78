package livemsg

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/live"
	"github.com/sour-is/livemsg/pkg/mutation"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

// Query selects a window of the collection. OrderBy is an ordering selector
// such as CREATED_AT_DESC and Where holds equality predicates by field name.
type Query struct {
	OrderBy string
	Where   map[string]any
	connection.Args
}

type CreateInput struct {
	Fields           map[string]any
	OrderBy          string
	ClientMutationID string
}

// UpdateInput addresses the record by ID, or by PK when ID is empty.
type UpdateInput struct {
	ID               string
	PK               int64
	Patch            map[string]any
	IfVersion        uint64
	OrderBy          string
	ClientMutationID string
}

type DeleteInput struct {
	ID               string
	PK               int64
	IfVersion        uint64
	OrderBy          string
	ClientMutationID string
}

// Service is the surface served by the transports.
type Service struct {
	store    *Store
	schema   *record.Schema
	pipeline *mutation.Pipeline
	engine   *live.Engine
	unlisten func(context.Context) error

	m_resolve       syncint64.Counter
	m_resolve_error syncint64.Counter
	m_live_open     syncint64.Counter
}

// NewService serves schema from store. The store must carry a change stream.
// Live queries are evaluated only while Run is active.
func NewService(ctx context.Context, store *Store, schema *record.Schema, opts ...live.Option) (*Service, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	stream := store.ChangeStream()
	if stream == nil {
		return nil, ErrNoChangeStream
	}

	s := &Service{store: store, schema: schema}

	var err, errs error

	s.pipeline, err = mutation.New(ctx, store, schema)
	errs = multierr.Append(errs, err)

	s.engine, err = live.New(ctx, store, opts...)
	errs = multierr.Append(errs, err)
	if s.engine == nil || s.pipeline == nil {
		span.RecordError(errs)
		return nil, errs
	}

	s.unlisten, err = s.engine.Attach(ctx, stream)
	if err != nil {
		span.RecordError(err)
		return nil, multierr.Append(errs, err)
	}

	m := lg.Meter(ctx)

	s.m_resolve, err = m.SyncInt64().Counter("resolve")
	errs = multierr.Append(errs, err)

	s.m_resolve_error, err = m.SyncInt64().Counter("resolve_error")
	errs = multierr.Append(errs, err)

	s.m_live_open, err = m.SyncInt64().Counter("live_open")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return s, errs
}

// Run evaluates live queries until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return s.engine.Run(ctx)
}

// Stop detaches the service from the change stream.
func (s *Service) Stop(ctx context.Context) error {
	if s.unlisten == nil {
		return nil
	}
	return s.unlisten(ctx)
}

func (s *Service) Schema() *record.Schema { return s.schema }

// LiveQueries is the number of open live queries.
func (s *Service) LiveQueries(ctx context.Context) (int, error) { return s.engine.Len(ctx) }

// ID returns the opaque identifier of pk.
func (s *Service) ID(pk int64) string { return s.pipeline.Encode(pk) }

// Parse turns a Query's selector and predicates into an ordering and a condition.
func (s *Service) Parse(q Query) (order.Key, filter.Condition, error) {
	key, err := order.Parse(s.schema, q.OrderBy)
	if err != nil {
		return order.Key{}, nil, err
	}
	cond, err := filter.Parse(s.schema, q.Where)
	if err != nil {
		return order.Key{}, nil, err
	}
	return key, cond, nil
}

func (s *Service) ResolveConnection(ctx context.Context, q Query) (*connection.Page, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s.m_resolve.Add(ctx, 1)

	page, err := s.resolve(ctx, q)
	if err != nil {
		span.RecordError(err)
		s.m_resolve_error.Add(ctx, 1)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("edges", len(page.Edges)),
		attribute.Int("totalCount", page.TotalCount),
	)
	return page, nil
}

func (s *Service) resolve(ctx context.Context, q Query) (*connection.Page, error) {
	key, cond, err := s.Parse(q)
	if err != nil {
		return nil, err
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	return connection.Resolve(ctx, snap, key, cond, q.Args)
}

// ResolveByPrimaryKey returns the record or nil when there is none.
func (s *Service) ResolveByPrimaryKey(ctx context.Context, pk int64) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.SetAttributes(attribute.Int64("pk", pk))
	s.m_resolve.Add(ctx, 1)

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer snap.Close()

	rec, err := snap.Get(ctx, pk)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		s.m_resolve_error.Add(ctx, 1)
	}
	return rec, err
}

// ResolveByIdentifier is ResolveByPrimaryKey addressed by opaque identifier.
// An identifier that does not decode to this collection is ErrInvalidIdentifier.
func (s *Service) ResolveByIdentifier(ctx context.Context, id string) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	pk, err := s.pipeline.Decode(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.ResolveByPrimaryKey(ctx, pk)
}

func (s *Service) CreateRecord(ctx context.Context, in CreateInput) (*mutation.Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	fields, key, err := s.input(in.Fields, in.OrderBy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return s.pipeline.Create(ctx, mutation.CreateInput{
		Fields:           fields,
		OrderBy:          key,
		ClientMutationID: in.ClientMutationID,
	})
}

func (s *Service) UpdateRecord(ctx context.Context, in UpdateInput) (*mutation.Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	patch, key, err := s.input(in.Patch, in.OrderBy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return s.pipeline.Update(ctx, mutation.UpdateInput{
		Target:           mutation.Target{ID: in.ID, PK: in.PK},
		Patch:            patch,
		IfVersion:        in.IfVersion,
		OrderBy:          key,
		ClientMutationID: in.ClientMutationID,
	})
}

func (s *Service) DeleteRecord(ctx context.Context, in DeleteInput) (*mutation.Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	_, key, err := s.input(nil, in.OrderBy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return s.pipeline.Delete(ctx, mutation.DeleteInput{
		Target:           mutation.Target{ID: in.ID, PK: in.PK},
		IfVersion:        in.IfVersion,
		OrderBy:          key,
		ClientMutationID: in.ClientMutationID,
	})
}

func (s *Service) input(raw map[string]any, orderBy string) (record.Fields, order.Key, error) {
	var key order.Key
	if orderBy != "" {
		var err error
		if key, err = order.Parse(s.schema, orderBy); err != nil {
			return nil, key, err
		}
	}
	fields, err := record.FieldsOf(raw)
	return fields, key, err
}

// OpenLiveQuery registers q as a live query. The first page is pushed once
// evaluated, later pages only when a commit changes the result.
func (s *Service) OpenLiveQuery(ctx context.Context, q Query, identity string) (*live.Subscription, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	key, cond, err := s.Parse(q)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sub, err := s.engine.Open(ctx, live.Params{Key: key, Cond: cond, Args: q.Args, Identity: identity})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("open live query: %w", err)
	}

	span.SetAttributes(attribute.String("subscription", sub.ID().String()))
	s.m_live_open.Add(ctx, 1)

	return sub, nil
}
