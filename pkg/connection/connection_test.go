package connection_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/cursor"
	"github.com/sour-is/livemsg/pkg/driver"
	memstore "github.com/sour-is/livemsg/pkg/driver/mem-store"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

func ptr[T any](v T) *T { return &v }

func keys(p *connection.Page) []int64 {
	out := make([]int64, len(p.Edges))
	for i, e := range p.Edges {
		out[i] = e.Node.PK
	}
	return out
}

// seed commits n messages. Every third one is in channel "a"; createdAt
// repeats and is unset for every fourth.
func seed(t *testing.T, n int) *livemsg.Store {
	t.Helper()
	is := is.New(t)
	ctx := context.Background()

	store, err := livemsg.Open(ctx, "mem:")
	is.NoErr(err)

	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		f := record.Fields{"text": record.String(fmt.Sprint("m", i))}
		if i%3 == 0 {
			f["channel"] = record.String("a")
		}
		if i%4 != 0 {
			f["createdAt"] = record.Time(base.Add(time.Duration(i%5) * time.Minute))
		}
		_, err := store.Commit(ctx, driver.Mutation{Op: record.OpCreate, Collection: "Message", Fields: f}, nil)
		is.NoErr(err)
	}
	return store
}

func snapshot(t *testing.T, store *livemsg.Store) driver.Snapshot {
	t.Helper()
	snap, err := store.Snapshot(context.Background())
	is.New(t).NoErr(err)
	t.Cleanup(func() { snap.Close() })
	return snap
}

func TestScenario(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	snap := snapshot(t, seed(t, 5))
	key := order.MustParse(record.Messages, order.PrimaryKeyAsc)

	page, err := connection.Resolve(ctx, snap, key, nil, connection.Args{First: ptr(2)})
	is.NoErr(err)
	is.Equal(keys(page), []int64{1, 2})
	is.True(page.PageInfo.HasNextPage)
	is.True(!page.PageInfo.HasPreviousPage)
	is.Equal(page.TotalCount, 5)
	is.Equal(page.PageInfo.StartCursor, page.Edges[0].Cursor)
	is.Equal(page.PageInfo.EndCursor, cursor.For(key, &record.Record{PK: 2}))

	page, err = connection.Resolve(ctx, snap, key, nil, connection.Args{First: ptr(2), After: &page.PageInfo.EndCursor})
	is.NoErr(err)
	is.Equal(keys(page), []int64{3, 4})
	is.True(page.PageInfo.HasNextPage)
	is.True(page.PageInfo.HasPreviousPage)

	page, err = connection.Resolve(ctx, snap, key, nil, connection.Args{First: ptr(2), After: &page.PageInfo.EndCursor})
	is.NoErr(err)
	is.Equal(keys(page), []int64{5})
	is.True(!page.PageInfo.HasNextPage)
	is.True(page.PageInfo.HasPreviousPage)
}

func TestLast(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	snap := snapshot(t, seed(t, 5))
	key := order.MustParse(record.Messages, order.PrimaryKeyAsc)

	page, err := connection.Resolve(ctx, snap, key, nil, connection.Args{Last: ptr(2)})
	is.NoErr(err)
	is.Equal(keys(page), []int64{4, 5})
	is.True(page.PageInfo.HasPreviousPage)
	is.True(!page.PageInfo.HasNextPage)

	page, err = connection.Resolve(ctx, snap, key, nil, connection.Args{Last: ptr(2), Before: &page.PageInfo.StartCursor})
	is.NoErr(err)
	is.Equal(keys(page), []int64{2, 3})
	is.True(page.PageInfo.HasPreviousPage)
	is.True(page.PageInfo.HasNextPage)

	// a short range is absorbed at the front.
	page, err = connection.Resolve(ctx, snap, key, nil, connection.Args{Last: ptr(3), Before: &page.PageInfo.StartCursor})
	is.NoErr(err)
	is.Equal(keys(page), []int64{1})
	is.True(!page.PageInfo.HasPreviousPage)
	is.True(page.PageInfo.HasNextPage)

	page, err = connection.Resolve(ctx, snap, key, nil, connection.Args{Last: ptr(10)})
	is.NoErr(err)
	is.Equal(keys(page), []int64{1, 2, 3, 4, 5})
	is.True(!page.PageInfo.HasPreviousPage)

	// first then last.
	page, err = connection.Resolve(ctx, snap, key, nil, connection.Args{First: ptr(4), Last: ptr(2)})
	is.NoErr(err)
	is.Equal(keys(page), []int64{3, 4})
	is.True(page.PageInfo.HasPreviousPage)
	is.True(page.PageInfo.HasNextPage)
}

func TestInvalidArguments(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	snap := snapshot(t, seed(t, 5))
	key := order.MustParse(record.Messages, order.PrimaryKeyAsc)

	for _, args := range []connection.Args{
		{Last: ptr(1), Offset: ptr(1)},
		{Last: ptr(1), Offset: ptr(0)},
		{First: ptr(-1)},
		{Last: ptr(-1)},
		{Offset: ptr(-2)},
	} {
		_, err := connection.Resolve(ctx, snap, key, nil, args)
		is.True(errors.Is(err, connection.ErrInvalidArgument))
		is.True(errors.Is(err, livemsg.ErrInvalidArgument))
	}

	desc := order.MustParse(record.Messages, order.PrimaryKeyDesc)
	tok := cursor.For(desc, &record.Record{PK: 2})
	_, err := connection.Resolve(ctx, snap, key, nil, connection.Args{After: &tok})
	is.True(errors.Is(err, livemsg.ErrCursorOrderingMismatch))

	_, err = connection.Resolve(ctx, snap, key, nil, connection.Args{Before: ptr("garbage")})
	is.True(errors.Is(err, livemsg.ErrInvalidCursor))
}

func TestProbes(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	snap := snapshot(t, seed(t, 5))
	key := order.MustParse(record.Messages, order.PrimaryKeyAsc)
	at := func(pk int64) *string { return ptr(cursor.For(key, &record.Record{PK: pk})) }

	tests := []struct {
		name    string
		args    connection.Args
		keys    []int64
		hasNext bool
		hasPrev bool
	}{
		{"all", connection.Args{}, []int64{1, 2, 3, 4, 5}, false, false},
		{"first all", connection.Args{First: ptr(5)}, []int64{1, 2, 3, 4, 5}, false, false},
		{"first zero", connection.Args{First: ptr(0)}, []int64{}, true, false},
		{"last zero", connection.Args{Last: ptr(0)}, []int64{}, false, true},
		{"offset", connection.Args{Offset: ptr(2), First: ptr(2)}, []int64{3, 4}, true, true},
		{"offset past end", connection.Args{Offset: ptr(5)}, []int64{}, false, true},
		{"offset far past end", connection.Args{Offset: ptr(50), First: ptr(1)}, []int64{}, false, true},
		{"after last", connection.Args{After: at(5)}, []int64{}, false, true},
		{"before first", connection.Args{Last: ptr(2), Before: at(1)}, []int64{}, true, false},
		{"between", connection.Args{After: at(1), Before: at(4)}, []int64{2, 3}, true, true},
		{"empty between", connection.Args{After: at(2), Before: at(3)}, []int64{}, true, true},
		{"after with offset", connection.Args{After: at(1), Offset: ptr(1), First: ptr(1)}, []int64{3}, true, true},
		{"missing cursor", connection.Args{After: at(9)}, []int64{}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)

			page, err := connection.Resolve(ctx, snap, key, nil, tt.args)
			is.NoErr(err)
			is.Equal(keys(page), tt.keys)
			is.Equal(page.PageInfo.HasNextPage, tt.hasNext)
			is.Equal(page.PageInfo.HasPreviousPage, tt.hasPrev)
			if len(tt.keys) == 0 {
				is.Equal(page.PageInfo.StartCursor, "")
				is.Equal(page.PageInfo.EndCursor, "")
			}
		})
	}
}

// Walking a sequence page by page must visit every record exactly once.
func TestConcatenation(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	snap := snapshot(t, seed(t, 23))

	selectors := []string{order.Natural, order.PrimaryKeyDesc, "CREATED_AT_ASC", "CREATED_AT_DESC", "CHANNEL_ASC,CREATED_AT_DESC"}
	conds := []filter.Condition{nil, {"channel": record.String("a")}, {"channel": record.Null}, {"text": record.String("none")}}

	for _, sel := range selectors {
		key := order.MustParse(record.Messages, sel)
		for _, cond := range conds {
			all, err := snap.Fetch(ctx, cond, key, driver.Range{})
			is.NoErr(err)
			want := make([]int64, len(all))
			for i, r := range all {
				want[i] = r.PK
			}

			for _, n := range []int{1, 2, 3, 7, 50} {
				var got []int64
				args := connection.Args{First: ptr(n)}
				for {
					page, err := connection.Resolve(ctx, snap, key, cond, args)
					is.NoErr(err)
					is.Equal(page.TotalCount, len(all))
					got = append(got, keys(page)...)
					if !page.PageInfo.HasNextPage {
						break
					}
					args.After = ptr(page.PageInfo.EndCursor)
				}
				if got == nil {
					got = []int64{}
				}
				is.Equal(got, want) // forward pages concatenate

				var back []int64
				args = connection.Args{Last: ptr(n)}
				for {
					page, err := connection.Resolve(ctx, snap, key, cond, args)
					is.NoErr(err)
					back = append(keys(page), back...)
					if !page.PageInfo.HasPreviousPage {
						break
					}
					args.Before = ptr(page.PageInfo.StartCursor)
				}
				if back == nil {
					back = []int64{}
				}
				is.Equal(back, want) // backward pages concatenate
			}
		}
	}
}

func TestIdempotent(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	store := seed(t, 12)
	key := order.MustParse(record.Messages, "CREATED_AT_DESC")
	args := connection.Args{First: ptr(4), Offset: ptr(1)}

	snap := snapshot(t, store)
	a, err := connection.Resolve(ctx, snap, key, nil, args)
	is.NoErr(err)
	b, err := connection.Resolve(ctx, snapshot(t, store), key, nil, args)
	is.NoErr(err)
	is.True(a.Equal(b))
	is.Equal(a.Version, b.Version)

	_, err = store.Commit(ctx, driver.Mutation{Op: record.OpUpdate, PK: a.Edges[0].Node.PK, Fields: record.Fields{
		"text": record.String("changed"),
	}}, nil)
	is.NoErr(err)

	c, err := connection.Resolve(ctx, snapshot(t, store), key, nil, args)
	is.NoErr(err)
	is.True(!a.Equal(c))
	is.True(c.Version > a.Version)
	is.True(a.Contains(a.Edges[0].Node.PK))
	is.True(!a.Contains(999))
}

// A cursor stays usable after its record is deleted.
func TestDeletedCursor(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	store := seed(t, 5)
	key := order.MustParse(record.Messages, order.PrimaryKeyAsc)

	page, err := connection.Resolve(ctx, snapshot(t, store), key, nil, connection.Args{First: ptr(2)})
	is.NoErr(err)

	_, err = store.Commit(ctx, driver.Mutation{Op: record.OpDelete, PK: 2}, nil)
	is.NoErr(err)

	page, err = connection.Resolve(ctx, snapshot(t, store), key, nil, connection.Args{First: ptr(2), After: &page.PageInfo.EndCursor})
	is.NoErr(err)
	is.Equal(keys(page), []int64{3, 4})
	is.True(page.PageInfo.HasPreviousPage)
	is.Equal(page.TotalCount, 4)
}

func TestMain(m *testing.M) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	err := multierr.Combine(
		memstore.Init(ctx),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	m.Run()
}
