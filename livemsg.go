// Package livemsg serves one ordered collection of records through paged
// reads, mutations and live queries that are re-evaluated on every commit.
package livemsg

import (
	"context"
	"fmt"
	"strings"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/locker"
)

type config struct {
	drivers map[string]driver.Driver
}

var (
	drivers = locker.New(&config{drivers: make(map[string]driver.Driver)})
)

// Register makes a driver available to Open under the dsn scheme name.
func Register(ctx context.Context, name string, d driver.Driver) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return drivers.Modify(ctx, func(ctx context.Context, c *config) error {
		if _, set := c.drivers[name]; set {
			return fmt.Errorf("driver %s already set", name)
		}
		c.drivers[name] = d
		return nil
	})
}

// Store is an opened driver with its middleware applied.
type Store struct {
	driver.Driver
}

// Open connects to the driver named by the dsn scheme and applies options in order.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	name, _, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("%w: no scheme", ErrNoDriver)
	}

	c, err := drivers.Copy(ctx)
	if err != nil {
		return nil, err
	}

	d, ok := c.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not registered", ErrNoDriver, name)
	}

	conn, err := d.Open(ctx, dsn)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s := &Store{Driver: conn}
	for _, o := range options {
		o.Apply(s)
	}

	return s, nil
}

// Option wraps the store driver with middleware.
type Option interface {
	Apply(*Store)
}

// ChangeStream finds the change stream middleware in the driver chain.
func (s *Store) ChangeStream() driver.ChangeStream {
	if s == nil {
		return nil
	}
	d := s.Driver
	for d != nil {
		if d, ok := d.(driver.ChangeStream); ok {
			return d
		}

		d = Unwrap(d)
	}
	return nil
}

// Close releases the driver when it holds resources.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	d := s.Driver
	for d != nil {
		if c, ok := d.(interface{ Close() error }); ok {
			return c.Close()
		}
		d = Unwrap(d)
	}
	return nil
}

func Unwrap[T any](t T) T {
	if unwrap, ok := any(t).(interface{ Unwrap() T }); ok {
		return unwrap.Unwrap()
	} else {
		var zero T
		return zero
	}
}
