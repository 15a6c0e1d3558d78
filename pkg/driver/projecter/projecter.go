// package projecter provides a driver middleware that derives side effects
// from committed changes, such as audit logs or notifications.
package projecter

import (
	"context"
	"log"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
)

// Projection is called once per committed change, outside the commit.
type Projection func(context.Context, driver.Change)

type projector struct {
	up  driver.Driver
	fns []Projection
}

func New(_ context.Context, fns ...Projection) *projector {
	return &projector{fns: fns}
}

var _ livemsg.Option = (*projector)(nil)

// Apply joins an existing projector in the chain instead of stacking a second one.
func (p *projector) Apply(s *livemsg.Store) {
	up := s.Driver
	for up != nil {
		if op, ok := up.(*projector); ok {
			op.AddProjections(p.fns...)
			p.up = op.up
			return
		}

		up = livemsg.Unwrap(up)
	}

	p.up = s.Driver
	s.Driver = p
}
func (p *projector) Unwrap() driver.Driver {
	return p.up
}
func (p *projector) AddProjections(fns ...Projection) {
	p.fns = append(p.fns, fns...)
}

var _ driver.Driver = (*projector)(nil)

func (p *projector) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return p.up.Open(ctx, dsn)
}
func (p *projector) Snapshot(ctx context.Context) (driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return p.up.Snapshot(ctx)
}
func (p *projector) Commit(ctx context.Context, m driver.Mutation, hook driver.Hook) (driver.Change, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c, err := p.up.Commit(ctx, m, hook)
	if err != nil || len(p.fns) == 0 {
		return c, err
	}

	{
		ctx, span := lg.Fork(ctx)

		go func() {
			defer span.End()

			for _, fn := range p.fns {
				fn(ctx, c)
			}
		}()
	}

	return c, err
}

// LogProjection writes one line per change to the standard logger.
func LogProjection(_ context.Context, c driver.Change) {
	log.Printf("%s %s %d v%d %s", c.Op, c.Collection, c.PK, c.Version, c.ID)
}
