package countcache_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/matryer/is"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/driver/countcache"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

type mockDriver struct {
	onOpen     func(context.Context, string) (driver.Driver, error)
	onSnapshot func(context.Context) (driver.Snapshot, error)
	onCommit   func(context.Context, driver.Mutation, driver.Hook) (driver.Change, error)
}

// Open implements driver.Driver
func (m *mockDriver) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	if m.onOpen != nil {
		return m.onOpen(ctx, dsn)
	}
	panic("unimplemented")
}

// Snapshot implements driver.Driver
func (m *mockDriver) Snapshot(ctx context.Context) (driver.Snapshot, error) {
	if m.onSnapshot != nil {
		return m.onSnapshot(ctx)
	}
	panic("unimplemented")
}

// Commit implements driver.Driver
func (m *mockDriver) Commit(ctx context.Context, mu driver.Mutation, hook driver.Hook) (driver.Change, error) {
	if m.onCommit != nil {
		return m.onCommit(ctx, mu, hook)
	}
	panic("unimplemented")
}

var _ driver.Driver = (*mockDriver)(nil)

type mockSnapshot struct {
	version uint64
	onCount func(context.Context, filter.Condition) (int, error)
}

var _ driver.Snapshot = (*mockSnapshot)(nil)

func (m *mockSnapshot) Version() uint64 { return m.version }

// Get implements driver.Snapshot
func (m *mockSnapshot) Get(context.Context, int64) (*record.Record, error) {
	panic("unimplemented")
}

// Fetch implements driver.Snapshot
func (m *mockSnapshot) Fetch(context.Context, filter.Condition, order.Key, driver.Range) ([]*record.Record, error) {
	panic("unimplemented")
}

// Count implements driver.Snapshot
func (m *mockSnapshot) Count(ctx context.Context, cond filter.Condition) (int, error) {
	if m.onCount != nil {
		return m.onCount(ctx, cond)
	}
	panic("unimplemented")
}
func (m *mockSnapshot) Close() error { return nil }

type option func(*livemsg.Store)

func (o option) Apply(s *livemsg.Store) { o(s) }

func TestCount(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	calls := 0
	version := uint64(1)
	mock := &mockDriver{
		onSnapshot: func(ctx context.Context) (driver.Snapshot, error) {
			return &mockSnapshot{
				version: version,
				onCount: func(ctx context.Context, cond filter.Condition) (int, error) {
					calls++
					return int(version) * 10, nil
				},
			}, nil
		},
	}

	cc, err := countcache.New(ctx)
	is.NoErr(err)

	store, err := livemsg.Open(ctx, "mock:", option(func(s *livemsg.Store) { s.Driver = mock }), cc)
	is.NoErr(err)
	is.Equal(livemsg.Unwrap(store.Driver), driver.Driver(mock))

	a := filter.Condition{"channel": record.String("a")}

	count := func() int {
		snap, err := store.Snapshot(ctx)
		is.NoErr(err)
		defer snap.Close()
		n, err := snap.Count(ctx, a)
		is.NoErr(err)
		return n
	}

	is.Equal(count(), 10)
	is.Equal(count(), 10)
	is.Equal(calls, 1)

	version = 2
	is.Equal(count(), 20)
	is.Equal(calls, 2)

	snap, err := store.Snapshot(ctx)
	is.NoErr(err)
	n, err := snap.Count(ctx, nil)
	is.NoErr(err)
	is.Equal(n, 20)
	is.Equal(calls, 3)
}

func TestCountByCondition(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	calls := map[string]int{}
	mock := &mockDriver{
		onSnapshot: func(ctx context.Context) (driver.Snapshot, error) {
			return &mockSnapshot{
				version: 1,
				onCount: func(ctx context.Context, cond filter.Condition) (int, error) {
					calls[cond.String()]++
					return len(cond), nil
				},
			}, nil
		},
	}

	cc, err := countcache.New(ctx)
	is.NoErr(err)

	store, err := livemsg.Open(ctx, "mock:", option(func(s *livemsg.Store) { s.Driver = mock }), cc)
	is.NoErr(err)

	conds := []filter.Condition{
		nil,
		{"channel": record.String("a")},
		{"channel": record.String("a"), "text": record.String("b")},
		{"channel": record.String(`a" AND text:5="b`)},
		{"channel": record.Int(1)},
		{"channel": record.String("1")},
	}

	for round := 0; round < 2; round++ {
		snap, err := store.Snapshot(ctx)
		is.NoErr(err)
		for _, cond := range conds {
			n, err := snap.Count(ctx, cond)
			is.NoErr(err)
			is.Equal(n, len(cond))
		}
		snap.Close()
	}

	is.Equal(len(calls), len(conds))
	for _, n := range calls {
		is.Equal(n, 1)
	}
}

func TestMain(m *testing.M) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	err := multierr.Combine(
		livemsg.Register(ctx, "mock", &mockDriver{
			onOpen: func(ctx context.Context, dsn string) (driver.Driver, error) {
				return &mockDriver{}, nil
			},
		}),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	m.Run()
}
