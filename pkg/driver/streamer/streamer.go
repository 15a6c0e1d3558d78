// package streamer provides a driver middleware that hands every committed
// change to listeners before the commit becomes visible to readers.
package streamer

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/locker"
)

type state struct {
	listeners map[ulid.ULID]driver.Hook
}

type streamer struct {
	state *locker.Locked[state]
	up    driver.Driver
}

func New(ctx context.Context) *streamer {
	_, span := lg.Span(ctx)
	defer span.End()

	return &streamer{state: locker.New(&state{listeners: make(map[ulid.ULID]driver.Hook)})}
}

var _ livemsg.Option = (*streamer)(nil)

func (s *streamer) Apply(store *livemsg.Store) {
	s.up = store.Driver
	store.Driver = s
}
func (s *streamer) Unwrap() driver.Driver {
	return s.up
}

var _ driver.Driver = (*streamer)(nil)

func (s *streamer) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return s.up.Open(ctx, dsn)
}
func (s *streamer) Snapshot(ctx context.Context) (driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return s.up.Snapshot(ctx)
}
func (s *streamer) Commit(ctx context.Context, m driver.Mutation, hook driver.Hook) (driver.Change, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return s.up.Commit(ctx, m, driver.Chain(hook, s.send))
}

var _ driver.ChangeStream = (*streamer)(nil)

func (s *streamer) Listen(ctx context.Context, fn driver.Hook) (func(context.Context) error, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	id := ulid.Make()
	err := s.state.Modify(ctx, func(ctx context.Context, state *state) error {
		state.listeners[id] = fn
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		ctx, span := lg.Span(ctx)
		defer span.End()

		return s.state.Modify(ctx, func(ctx context.Context, state *state) error {
			delete(state.listeners, id)
			return nil
		})
	}, nil
}

// send runs inside the driver's commit. It ignores cancellation so a change
// that committed is always delivered.
func (s *streamer) send(ctx context.Context, c driver.Change) {
	ctx, span := lg.Span(context.WithoutCancel(ctx))
	defer span.End()

	span.SetAttributes(
		attribute.String("change", c.ID.String()),
		attribute.Int64("pk", c.PK),
		attribute.Int64("version", int64(c.Version)),
	)

	err := s.state.Modify(ctx, func(ctx context.Context, state *state) error {
		span.AddEvent(fmt.Sprint("listeners=", len(state.listeners)))

		for _, fn := range state.listeners {
			fn(ctx, c)
		}
		return nil
	})
	span.RecordError(err)
}
