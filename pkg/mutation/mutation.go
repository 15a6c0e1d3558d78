// Package mutation validates and applies writes to the collection and
// positions the affected record under the caller's ordering.
package mutation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

// Target addresses one record by opaque identifier or primary key. The
// identifier wins when both are set.
type Target struct {
	ID string
	PK int64
}

type CreateInput struct {
	Fields           record.Fields
	OrderBy          order.Key
	ClientMutationID string
}

type UpdateInput struct {
	Target
	Patch            record.Fields
	IfVersion        uint64
	OrderBy          order.Key
	ClientMutationID string
}

type DeleteInput struct {
	Target
	IfVersion        uint64
	OrderBy          order.Key
	ClientMutationID string
}

// Result is returned by every successful mutation. For a delete, Record and
// Edge hold the last state of the removed record.
type Result struct {
	Record           *record.Record
	Edge             connection.Edge
	ID               string
	DeletedID        string
	ClientMutationID string
	Change           driver.Change
}

type coercer interface {
	Coerce(record.Fields) (record.Fields, error)
}
type defaulter interface {
	Defaults(record.Op, record.Fields, time.Time) record.Fields
}

// Pipeline runs mutations against a driver.
type Pipeline struct {
	driver     driver.Driver
	collection string
	validator  record.Validator
	ident      record.Identity
	hook       driver.Hook
	now        func() time.Time

	m_mutation       syncint64.Counter
	m_mutation_error syncint64.Counter
}

type Option func(*Pipeline)

// WithHook observes every commit made by the pipeline.
func WithHook(h driver.Hook) Option { return func(p *Pipeline) { p.hook = h } }

// WithIdentity replaces the base64 identifier codec.
func WithIdentity(i record.Identity) Option { return func(p *Pipeline) { p.ident = i } }

// WithValidator replaces the schema as validator.
func WithValidator(v record.Validator) Option { return func(p *Pipeline) { p.validator = v } }

// WithClock sets the time source used for defaults.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(ctx context.Context, d driver.Driver, schema *record.Schema, opts ...Option) (*Pipeline, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	p := &Pipeline{
		driver:     d,
		collection: schema.Collection,
		validator:  schema,
		ident:      record.Base64Identity{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}

	m := lg.Meter(ctx)
	var err, errs error

	p.m_mutation, err = m.SyncInt64().Counter("mutation")
	errs = multierr.Append(errs, err)

	p.m_mutation_error, err = m.SyncInt64().Counter("mutation_error")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return p, errs
}

func (p *Pipeline) Create(ctx context.Context, in CreateInput) (*Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	fields, err := p.prepare(record.OpCreate, in.Fields)
	if err != nil {
		return nil, p.fail(ctx, record.OpCreate, err)
	}

	return p.commit(ctx, driver.Mutation{
		Op:         record.OpCreate,
		Collection: p.collection,
		Fields:     fields,
	}, in.OrderBy, in.ClientMutationID)
}

func (p *Pipeline) Update(ctx context.Context, in UpdateInput) (*Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	patch, err := p.prepare(record.OpUpdate, in.Patch)
	if err != nil {
		return nil, p.fail(ctx, record.OpUpdate, err)
	}

	pk, err := p.resolve(in.Target)
	if err != nil {
		return nil, p.fail(ctx, record.OpUpdate, err)
	}

	return p.commit(ctx, driver.Mutation{
		Op:         record.OpUpdate,
		Collection: p.collection,
		PK:         pk,
		Fields:     patch,
		IfVersion:  in.IfVersion,
	}, in.OrderBy, in.ClientMutationID)
}

func (p *Pipeline) Delete(ctx context.Context, in DeleteInput) (*Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	pk, err := p.resolve(in.Target)
	if err != nil {
		return nil, p.fail(ctx, record.OpDelete, err)
	}

	res, err := p.commit(ctx, driver.Mutation{
		Op:         record.OpDelete,
		Collection: p.collection,
		PK:         pk,
		IfVersion:  in.IfVersion,
	}, in.OrderBy, in.ClientMutationID)
	if err != nil {
		return nil, err
	}
	res.DeletedID = res.ID

	return res, nil
}

// Encode returns the opaque identifier of pk.
func (p *Pipeline) Encode(pk int64) string { return p.ident.Encode(p.collection, pk) }

// Decode resolves an opaque identifier of this collection to its primary key.
func (p *Pipeline) Decode(id string) (int64, error) { return record.DecodeFor(p.ident, p.collection, id) }

func (p *Pipeline) prepare(op record.Op, fields record.Fields) (record.Fields, error) {
	if c, ok := p.validator.(coercer); ok {
		var err error
		if fields, err = c.Coerce(fields); err != nil {
			return nil, fmt.Errorf("%w: %s", record.ErrValidationFailed, err)
		}
	}
	if d, ok := p.validator.(defaulter); ok {
		fields = d.Defaults(op, fields, p.now())
	}
	if err := p.validator.Validate(op, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (p *Pipeline) resolve(t Target) (int64, error) {
	if t.ID != "" {
		return p.Decode(t.ID)
	}
	if t.PK < 1 {
		return 0, fmt.Errorf("%w: no target", record.ErrInvalidIdentifier)
	}
	return t.PK, nil
}

func (p *Pipeline) commit(ctx context.Context, m driver.Mutation, key order.Key, clientMutationID string) (*Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.String("op", m.Op.String()),
		attribute.Int64("pk", m.PK),
	)

	c, err := p.driver.Commit(ctx, m, p.hook)
	if err != nil {
		return nil, p.fail(ctx, m.Op, err)
	}
	p.m_mutation.Add(ctx, 1, attribute.String("op", m.Op.String()))

	if key.IsZero() {
		key = order.New(order.Term{Field: record.PrimaryKey, Dir: order.Asc})
	}

	rec := c.Record()
	return &Result{
		Record:           rec,
		Edge:             connection.NewEdge(key, rec),
		ID:               p.Encode(rec.PK),
		ClientMutationID: clientMutationID,
		Change:           c,
	}, nil
}

func (p *Pipeline) fail(ctx context.Context, op record.Op, err error) error {
	trace.SpanFromContext(ctx).RecordError(err)
	p.m_mutation_error.Add(ctx, 1, attribute.String("op", op.String()))
	return err
}
