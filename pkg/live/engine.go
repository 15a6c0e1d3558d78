package live

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/env"
	"github.com/sour-is/livemsg/pkg/locker"
)

const DefaultWorkers = 4

// Engine owns the subscription registry and the workers that re-evaluate it.
type Engine struct {
	driver   driver.Driver
	registry *locker.Locked[registry]
	wake     chan struct{}
	workers  int

	m_subscriptions syncint64.UpDownCounter
	m_invalidate    syncint64.Counter
	m_evaluate      syncint64.Counter
	m_deliver       syncint64.Counter
	m_discard       syncint64.Counter
	m_error         syncint64.Counter
}

type Option func(*Engine)

// WithWorkers sets the number of evaluation workers. Values below one are ignored.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an engine reading from d. The worker count defaults to
// LIVEMSG_WORKERS. Nothing is evaluated until Run is called.
func New(ctx context.Context, d driver.Driver, opts ...Option) (*Engine, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	e := &Engine{
		driver:   d,
		registry: locker.New(&registry{entries: make(map[ulid.ULID]*entry)}),
		wake:     make(chan struct{}, 1),
		workers:  env.Int("LIVEMSG_WORKERS", DefaultWorkers),
	}
	if e.workers < 1 {
		e.workers = DefaultWorkers
	}
	for _, o := range opts {
		o(e)
	}

	m := lg.Meter(ctx)
	var err, errs error

	e.m_subscriptions, err = m.SyncInt64().UpDownCounter("live_subscriptions")
	errs = multierr.Append(errs, err)

	e.m_invalidate, err = m.SyncInt64().Counter("live_invalidate")
	errs = multierr.Append(errs, err)

	e.m_evaluate, err = m.SyncInt64().Counter("live_evaluate")
	errs = multierr.Append(errs, err)

	e.m_deliver, err = m.SyncInt64().Counter("live_deliver")
	errs = multierr.Append(errs, err)

	e.m_discard, err = m.SyncInt64().Counter("live_discard")
	errs = multierr.Append(errs, err)

	e.m_error, err = m.SyncInt64().Counter("live_error")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return e, errs
}

// Attach feeds committed changes from stream into the engine.
func (e *Engine) Attach(ctx context.Context, stream driver.ChangeStream) (func(context.Context) error, error) {
	if stream == nil {
		return nil, fmt.Errorf("live: no change stream")
	}
	return stream.Listen(ctx, e.Notify)
}

// Run evaluates scheduled subscriptions until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error { return e.work(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) work(ctx context.Context) error {
	for {
		var (
			id   ulid.ULID
			en   *entry
			ok   bool
			more bool
		)
		err := e.registry.Modify(ctx, func(ctx context.Context, r *registry) error {
			id, en, ok = r.pop()
			more = len(r.pending) > 0
			return nil
		})
		if err != nil {
			return err
		}
		if more {
			e.signal()
		}

		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}

		e.evaluate(ctx, id, en.params)
	}
}

// evaluate resolves one subscription and delivers the page if it changed.
// It runs at most once at a time for a subscription.
func (e *Engine) evaluate(ctx context.Context, id ulid.ULID, p Params) {
	ctx, span := lg.Fork(ctx)
	defer span.End()

	span.SetAttributes(attribute.String("subscription", id.String()))
	e.m_evaluate.Add(ctx, 1)

	page, err := e.resolve(ctx, p)
	if err != nil {
		span.RecordError(err)
		e.m_error.Add(ctx, 1)
		log.Println("live:", id, err)
	}

	var rerun bool
	err = e.registry.Modify(context.WithoutCancel(ctx), func(ctx context.Context, r *registry) error {
		en, ok := r.entries[id]
		if !ok {
			return nil
		}
		if page != nil {
			e.deliver(ctx, en, page)
		}

		en.state = idle
		if en.dirty {
			en.dirty = false
			rerun = r.schedule(id)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	if rerun {
		e.signal()
	}
}

func (e *Engine) resolve(ctx context.Context, p Params) (*connection.Page, error) {
	snap, err := e.driver.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	return connection.Resolve(ctx, snap, p.Key, p.Cond, p.Args)
}

// deliver pushes page into the subscription's mailbox. Stale and unchanged
// pages are dropped. Called with the registry held.
func (e *Engine) deliver(ctx context.Context, en *entry, page *connection.Page) {
	if en.delivered && (page.Version <= en.version || page.Equal(en.last)) {
		if page.Version > en.version {
			en.version = page.Version
		}
		e.m_discard.Add(ctx, 1)
		return
	}

	en.seq++
	en.last = page
	en.version = page.Version
	en.delivered = true

	en.sub.put(&Delivery{Seq: en.seq, Page: page})
	e.m_deliver.Add(ctx, 1)
}
