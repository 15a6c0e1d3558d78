// Package live keeps paged queries up to date. Every committed change is
// classified against the open subscriptions; the affected ones are re-resolved
// on worker goroutines and receive a new page only when it differs from the
// last one they were sent.
package live

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/cursor"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
)

// Params are the stored arguments a subscription is re-resolved with.
type Params struct {
	Key      order.Key
	Cond     filter.Condition
	Args     connection.Args
	Identity string
}

type runState uint8

const (
	idle runState = iota
	queued
	running
)

func (s runState) String() string {
	switch s {
	case queued:
		return "queued"
	case running:
		return "running"
	default:
		return "idle"
	}
}

// entry is the registry's view of one subscription.
type entry struct {
	sub    *Subscription
	params Params

	state runState
	dirty bool

	last      *connection.Page
	delivered bool
	version   uint64
	seq       uint64
}

type registry struct {
	entries map[ulid.ULID]*entry
	pending []ulid.ULID
}

func (r *registry) schedule(id ulid.ULID) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	switch e.state {
	case idle:
		e.state = queued
		r.pending = append(r.pending, id)
		return true
	case running:
		e.dirty = true
	}
	return false
}

func (r *registry) pop() (ulid.ULID, *entry, bool) {
	for len(r.pending) > 0 {
		id := r.pending[0]
		r.pending = r.pending[1:]
		if e, ok := r.entries[id]; ok && e.state == queued {
			e.state = running
			return id, e, true
		}
	}
	return ulid.ULID{}, nil, false
}

// Open registers a live query and schedules its first evaluation.
func (e *Engine) Open(ctx context.Context, p Params) (*Subscription, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if p.Key.IsZero() {
		return nil, fmt.Errorf("%w: subscription needs an ordering", connection.ErrInvalidArgument)
	}
	if err := p.Args.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, token := range []*string{p.Args.After, p.Args.Before} {
		if token == nil {
			continue
		}
		if _, err := cursor.Decode(*token, p.Key); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	sub := newSubscription(e, ulid.Make())
	err := e.registry.Modify(ctx, func(ctx context.Context, r *registry) error {
		r.entries[sub.id] = &entry{sub: sub, params: p}
		r.schedule(sub.id)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.m_subscriptions.Add(ctx, 1)
	e.signal()

	return sub, nil
}

// remove deregisters id. Results of a run still in flight are dropped.
func (e *Engine) remove(ctx context.Context, id ulid.ULID) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return e.registry.Modify(ctx, func(ctx context.Context, r *registry) error {
		if _, ok := r.entries[id]; ok {
			delete(r.entries, id)
			e.m_subscriptions.Add(ctx, -1)
		}
		return nil
	})
}

// Len is the number of open subscriptions.
func (e *Engine) Len(ctx context.Context) (int, error) {
	var n int
	err := e.registry.Modify(ctx, func(ctx context.Context, r *registry) error {
		n = len(r.entries)
		return nil
	})
	return n, err
}

// Pending is the number of subscriptions queued or being evaluated.
func (e *Engine) Pending(ctx context.Context) (int, error) {
	var n int
	err := e.registry.Modify(ctx, func(ctx context.Context, r *registry) error {
		for _, en := range r.entries {
			if en.state != idle {
				n++
			}
		}
		return nil
	})
	return n, err
}
