// package memstore provides a driver that reads and writes records to memory.
package memstore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/locker"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

type state struct {
	table *Table
}
type memstore struct {
	state *locker.Locked[state]
	now   func() time.Time
}

func Init(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return livemsg.Register(ctx, "mem", &memstore{})
}

var _ driver.Driver = (*memstore)(nil)

func (memstore) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &memstore{state: locker.New(&state{table: NewTable()}), now: time.Now}, nil
}

func (m *memstore) Snapshot(ctx context.Context) (driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	snap := &snapshot{}
	err := m.state.Modify(ctx, func(ctx context.Context, state *state) error {
		snap.table = state.table
		return nil
	})
	span.SetAttributes(attribute.Int64("version", int64(snap.Version())))

	return snap, err
}

func (m *memstore) Commit(ctx context.Context, mu driver.Mutation, hook driver.Hook) (driver.Change, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var change driver.Change
	err := m.state.Modify(ctx, func(ctx context.Context, state *state) error {
		ctx, span := lg.Span(ctx)
		defer span.End()

		table, c, err := state.table.Apply(mu, m.now())
		if err != nil {
			span.RecordError(err)
			return err
		}
		span.AddEvent(fmt.Sprintf("%s %s %d v%d", c.Op, c.Collection, c.PK, c.Version))

		state.table = table
		change = c
		if hook != nil {
			hook(ctx, c)
		}
		return nil
	})

	return change, err
}

type snapshot struct {
	table *Table
}

var _ driver.Snapshot = (*snapshot)(nil)

func (s *snapshot) Version() uint64 {
	if s.table == nil {
		return 0
	}
	return s.table.Version()
}
func (s *snapshot) Get(ctx context.Context, pk int64) (*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	rec, ok := s.table.Get(pk)
	if !ok {
		return nil, fmt.Errorf("%w: %d", driver.ErrNotFound, pk)
	}
	return rec, nil
}
func (s *snapshot) Fetch(ctx context.Context, cond filter.Condition, key order.Key, r driver.Range) ([]*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return s.table.Scan(cond, key, r), nil
}
func (s *snapshot) Count(ctx context.Context, cond filter.Condition) (int, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return s.table.Count(cond), nil
}
func (s *snapshot) Close() error { return nil }
