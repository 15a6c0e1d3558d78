// package countcache provides a driver middleware that remembers counts per
// snapshot version. A version never changes once committed, so hits are exact.
package countcache

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/filter"
)

const (
	defaultExpire   = 5 * time.Minute
	cleanupInterval = 10 * time.Minute
)

type countcache struct {
	up    driver.Driver
	cache *cache.Cache

	m_count_hit  syncint64.Counter
	m_count_miss syncint64.Counter
}

func New(ctx context.Context) (*countcache, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	c := &countcache{cache: cache.New(defaultExpire, cleanupInterval)}

	m := lg.Meter(ctx)
	var err, errs error

	c.m_count_hit, err = m.SyncInt64().Counter("count_cache_hit")
	errs = multierr.Append(errs, err)

	c.m_count_miss, err = m.SyncInt64().Counter("count_cache_miss")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return c, errs
}

var _ livemsg.Option = (*countcache)(nil)

func (c *countcache) Apply(store *livemsg.Store) {
	c.up = store.Driver
	store.Driver = c
}
func (c *countcache) Unwrap() driver.Driver {
	return c.up
}

var _ driver.Driver = (*countcache)(nil)

func (c *countcache) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return c.up.Open(ctx, dsn)
}
func (c *countcache) Snapshot(ctx context.Context) (driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	snap, err := c.up.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &snapshot{Snapshot: snap, countcache: c}, nil
}
func (c *countcache) Commit(ctx context.Context, m driver.Mutation, hook driver.Hook) (driver.Change, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return c.up.Commit(ctx, m, hook)
}

type snapshot struct {
	driver.Snapshot
	countcache *countcache
}

func (s *snapshot) Count(ctx context.Context, cond filter.Condition) (int, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	key := fmt.Sprintf("%d/%s", s.Version(), cond)
	if n, ok := s.countcache.cache.Get(key); ok {
		s.countcache.m_count_hit.Add(ctx, 1)
		return n.(int), nil
	}

	n, err := s.Snapshot.Count(ctx, cond)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	s.countcache.m_count_miss.Add(ctx, 1)
	s.countcache.cache.SetDefault(key, n)

	return n, nil
}
