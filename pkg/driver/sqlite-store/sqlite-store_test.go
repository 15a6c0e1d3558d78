package sqlitestore_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/pkg/driver"
	memstore "github.com/sour-is/livemsg/pkg/driver/mem-store"
	sqlitestore "github.com/sour-is/livemsg/pkg/driver/sqlite-store"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

func open(t *testing.T) *livemsg.Store {
	t.Helper()
	is := is.New(t)

	store, err := livemsg.Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "livemsg.db"))
	is.NoErr(err)
	t.Cleanup(func() { store.Close() })

	return store
}

func pks(lis []*record.Record) []int64 {
	out := make([]int64, len(lis))
	for i, r := range lis {
		out[i] = r.PK
	}
	return out
}

func TestCommit(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := open(t)

	created := time.Date(2022, 8, 1, 0, 0, 0, 0, time.UTC)

	var hooked []uint64
	hook := func(ctx context.Context, c driver.Change) { hooked = append(hooked, c.Version) }

	c, err := store.Commit(ctx, driver.Mutation{Op: record.OpCreate, Collection: "Message", Fields: record.Fields{
		"text":      record.String("hello"),
		"createdAt": record.Time(created),
	}}, hook)
	is.NoErr(err)
	is.Equal(c.PK, int64(1))

	snap, err := store.Snapshot(ctx)
	is.NoErr(err)
	defer snap.Close()

	c, err = store.Commit(ctx, driver.Mutation{Op: record.OpUpdate, PK: 1, Fields: record.Fields{
		"author": record.String("xuu"),
	}}, hook)
	is.NoErr(err)
	is.Equal(c.Before.Version, uint64(1))
	is.Equal(c.After.Version, uint64(2))

	_, err = store.Commit(ctx, driver.Mutation{Op: record.OpUpdate, PK: 9}, hook)
	is.True(errors.Is(err, driver.ErrNotFound))

	_, err = store.Commit(ctx, driver.Mutation{Op: record.OpDelete, PK: 1, IfVersion: 1}, hook)
	is.True(errors.Is(err, driver.ErrConcurrentModification))

	is.Equal(hooked, []uint64{1, 2})

	// the earlier snapshot still reads the first version.
	is.Equal(snap.Version(), uint64(1))
	rec, err := snap.Get(ctx, 1)
	is.NoErr(err)
	is.Equal(rec.Version, uint64(1))
	is.True(rec.Get("author").IsNull())
	is.True(rec.Get("createdAt").Time().Equal(created))

	latest, err := store.Snapshot(ctx)
	is.NoErr(err)
	defer latest.Close()

	rec, err = latest.Get(ctx, 1)
	is.NoErr(err)
	is.Equal(rec.Get("author"), record.String("xuu"))
}

// Both drivers must return the same windows for the same history.
func TestAgreesWithMemory(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	lite := open(t)
	mem, err := livemsg.Open(ctx, "mem:")
	is.NoErr(err)

	rnd := rand.New(rand.NewSource(42))
	channels := []record.Value{record.Null, record.String("a"), record.String("b")}
	authors := []record.Value{record.Null, record.String("x"), record.String("y"), record.String("z")}
	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	var live []int64
	for i := 0; i < 120; i++ {
		m := driver.Mutation{Collection: "Message", Fields: record.Fields{
			"channel": channels[rnd.Intn(len(channels))],
			"author":  authors[rnd.Intn(len(authors))],
		}}
		if rnd.Intn(4) > 0 {
			m.Fields["createdAt"] = record.Time(base.Add(time.Duration(rnd.Intn(10)) * time.Hour))
		}

		switch op := rnd.Intn(10); {
		case op < 6 || len(live) == 0:
			m.Op = record.OpCreate
			m.Fields["text"] = record.String(fmt.Sprint("m", i))
		case op < 9:
			m.Op = record.OpUpdate
			m.PK = live[rnd.Intn(len(live))]
		default:
			m.Op = record.OpDelete
			j := rnd.Intn(len(live))
			m.PK = live[j]
			live = append(live[:j], live[j+1:]...)
		}

		a, err := mem.Commit(ctx, m, nil)
		is.NoErr(err)
		b, err := lite.Commit(ctx, m, nil)
		is.NoErr(err)
		is.Equal(a.PK, b.PK)
		if m.Op == record.OpCreate {
			live = append(live, a.PK)
		}
	}

	ms, err := mem.Snapshot(ctx)
	is.NoErr(err)
	ls, err := lite.Snapshot(ctx)
	is.NoErr(err)
	defer ls.Close()
	is.Equal(ms.Version(), ls.Version())

	conds := []filter.Condition{
		nil,
		{"channel": record.String("a")},
		{"channel": record.Null},
		{"channel": record.String("b"), "author": record.Null},
		{"text": record.Int(1)},
	}
	keys := []order.Key{
		order.MustParse(record.Messages, order.Natural),
		order.MustParse(record.Messages, order.PrimaryKeyDesc),
		order.MustParse(record.Messages, "CREATED_AT_ASC"),
		order.MustParse(record.Messages, "CREATED_AT_DESC"),
		order.MustParse(record.Messages, "CHANNEL_ASC,AUTHOR_DESC"),
		order.MustParse(record.Messages, "AUTHOR_DESC,CREATED_AT_ASC"),
	}

	all, err := ms.Fetch(ctx, nil, order.New(), driver.Range{})
	is.NoErr(err)

	for _, cond := range conds {
		a, err := ms.Count(ctx, cond)
		is.NoErr(err)
		b, err := ls.Count(ctx, cond)
		is.NoErr(err)
		is.Equal(a, b)

		for _, key := range keys {
			ranges := []driver.Range{{}, {Backward: true}, {Skip: 3, Limit: 4}, {Backward: true, Limit: 5}}
			for i := 0; i < 8; i++ {
				r := driver.Range{Backward: rnd.Intn(2) == 0, Limit: rnd.Intn(6)}
				if rnd.Intn(3) > 0 {
					r.After = &driver.Bound{Values: key.Values(all[rnd.Intn(len(all))]), Inclusive: rnd.Intn(2) == 0}
				}
				if rnd.Intn(3) > 0 {
					r.Before = &driver.Bound{Values: key.Values(all[rnd.Intn(len(all))]), Inclusive: rnd.Intn(2) == 0}
				}
				ranges = append(ranges, r)
			}

			for _, r := range ranges {
				a, err := ms.Fetch(ctx, cond, key, r)
				is.NoErr(err)
				b, err := ls.Fetch(ctx, cond, key, r)
				is.NoErr(err)
				is.Equal(pks(a), pks(b)) // same window
				for i := range a {
					is.True(a[i].Equal(b[i]))
				}
			}
		}
	}
}

func TestMain(m *testing.M) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	err := multierr.Combine(
		memstore.Init(ctx),
		sqlitestore.Init(ctx, record.Messages),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	m.Run()
}
