package live

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
)

// Notify schedules every subscription c may affect. It is a driver.Hook and
// runs inside the commit, so it only marks work and never resolves.
func (e *Engine) Notify(ctx context.Context, c driver.Change) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.String("change", c.ID.String()),
		attribute.Int64("pk", c.PK),
		attribute.Int64("version", int64(c.Version)),
	)

	var n int
	err := e.registry.Modify(context.WithoutCancel(ctx), func(ctx context.Context, r *registry) error {
		for id, en := range r.entries {
			if !affects(en, c) {
				continue
			}
			n++
			r.schedule(id)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return
	}

	span.SetAttributes(attribute.Int("affected", n))
	if n > 0 {
		e.m_invalidate.Add(ctx, int64(n))
		e.signal()
	}
}

// affects over-approximates: a change that could alter the page of en is
// never missed, though some that don't are still scheduled.
func affects(en *entry, c driver.Change) bool {
	switch {
	case !en.delivered:
		return true
	case en.params.Cond.Match(c.After):
		return true
	case en.params.Cond.Match(c.Before):
		return true
	case en.last.Contains(c.PK):
		return true
	}
	return false
}
