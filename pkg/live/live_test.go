package live_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/driver"
	memstore "github.com/sour-is/livemsg/pkg/driver/mem-store"
	"github.com/sour-is/livemsg/pkg/driver/streamer"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/live"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

func ptr[T any](v T) *T { return &v }

type harness struct {
	store  *livemsg.Store
	engine *live.Engine
	ctx    context.Context
	run    func()
}

// setup opens a store with an attached engine. Workers start only when run is called.
func setup(t *testing.T) *harness {
	t.Helper()
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := livemsg.Open(ctx, "mem:", streamer.New(ctx))
	is.NoErr(err)

	engine, err := live.New(ctx, store, live.WithWorkers(2))
	is.NoErr(err)

	unlisten, err := engine.Attach(ctx, store.ChangeStream())
	is.NoErr(err)
	t.Cleanup(func() { unlisten(context.Background()) })

	h := &harness{store: store, engine: engine, ctx: ctx}
	h.run = func() {
		done := make(chan error, 1)
		go func() { done <- engine.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			is.NoErr(<-done)
		})
	}
	return h
}

func (h *harness) commit(t *testing.T, m driver.Mutation) driver.Change {
	t.Helper()
	m.Collection = "Message"
	c, err := h.store.Commit(h.ctx, m, nil)
	is.New(t).NoErr(err)
	return c
}

func create(text, channel string) driver.Mutation {
	f := record.Fields{"text": record.String(text)}
	if channel != "" {
		f["channel"] = record.String(channel)
	}
	return driver.Mutation{Op: record.OpCreate, Fields: f}
}

// settle waits until no subscription is queued or running.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	is := is.New(t)
	for i := 0; i < 200; i++ {
		n, err := h.engine.Pending(h.ctx)
		is.NoErr(err)
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("engine did not settle")
}

func next(t *testing.T, sub *live.Subscription) *connection.Page {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !sub.Recv(ctx) {
		t.Fatal("no delivery")
	}
	return sub.Page()
}

func quiet(t *testing.T, sub *live.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if sub.Recv(ctx) {
		t.Fatalf("unexpected delivery %d", sub.Seq())
	}
}

func keys(p *connection.Page) []int64 {
	out := make([]int64, len(p.Edges))
	for i, e := range p.Edges {
		out[i] = e.Node.PK
	}
	return out
}

var pkAsc = order.MustParse(record.Messages, order.PrimaryKeyAsc)

func TestInitialThenCreate(t *testing.T) {
	is := is.New(t)

	h := setup(t)
	h.run()

	sub, err := h.engine.Open(h.ctx, live.Params{Key: pkAsc, Args: connection.Args{First: ptr(10)}})
	is.NoErr(err)

	page := next(t, sub)
	is.Equal(sub.Seq(), uint64(1))
	is.Equal(len(page.Edges), 0)
	is.Equal(page.TotalCount, 0)

	h.commit(t, create("hello", ""))

	page = next(t, sub)
	is.Equal(sub.Seq(), uint64(2))
	is.Equal(keys(page), []int64{1})
	is.Equal(page.TotalCount, 1)

	h.settle(t)
	quiet(t, sub)
}

func TestUnchangedPageNotPushed(t *testing.T) {
	is := is.New(t)

	h := setup(t)
	h.commit(t, create("one", ""))
	h.commit(t, create("two", ""))
	h.run()

	sub, err := h.engine.Open(h.ctx, live.Params{Key: pkAsc, Args: connection.Args{First: ptr(1)}})
	is.NoErr(err)
	is.Equal(keys(next(t, sub)), []int64{1})

	// record 2 matches the filter but sits outside the window.
	h.commit(t, driver.Mutation{Op: record.OpUpdate, PK: 2, Fields: record.Fields{"author": record.String("xuu")}})
	h.settle(t)
	quiet(t, sub)

	h.commit(t, driver.Mutation{Op: record.OpUpdate, PK: 1, Fields: record.Fields{"author": record.String("xuu")}})
	page := next(t, sub)
	is.Equal(page.Edges[0].Node.Get("author"), record.String("xuu"))
	is.Equal(sub.Seq(), uint64(2))
}

func TestOutsideFilterNotScheduled(t *testing.T) {
	is := is.New(t)

	h := setup(t)
	h.run()

	cond := filter.Condition{"channel": record.String("a")}
	sub, err := h.engine.Open(h.ctx, live.Params{Key: pkAsc, Cond: cond, Args: connection.Args{First: ptr(5)}})
	is.NoErr(err)
	next(t, sub)
	h.settle(t)

	h.commit(t, create("elsewhere", "b"))
	n, err := h.engine.Pending(h.ctx)
	is.NoErr(err)
	is.Equal(n, 0)
	quiet(t, sub)

	h.commit(t, create("here", "a"))
	is.Equal(keys(next(t, sub)), []int64{2})
}

func TestCoalescing(t *testing.T) {
	is := is.New(t)

	h := setup(t)

	sub, err := h.engine.Open(h.ctx, live.Params{Key: pkAsc, Args: connection.Args{First: ptr(10)}})
	is.NoErr(err)

	for i := 0; i < 5; i++ {
		h.commit(t, create(fmt.Sprint("m", i), ""))
	}

	n, err := h.engine.Pending(h.ctx)
	is.NoErr(err)
	is.Equal(n, 1)

	h.run()

	page := next(t, sub)
	is.Equal(sub.Seq(), uint64(1))
	is.Equal(keys(page), []int64{1, 2, 3, 4, 5})
	is.Equal(page.Version, uint64(5))

	h.settle(t)
	quiet(t, sub)
}

func TestMonotonicDelivery(t *testing.T) {
	is := is.New(t)

	h := setup(t)
	h.run()

	key := order.MustParse(record.Messages, order.PrimaryKeyDesc)
	sub, err := h.engine.Open(h.ctx, live.Params{Key: key, Args: connection.Args{First: ptr(3)}})
	is.NoErr(err)

	errs := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 50 && err == nil; i++ {
			m := create(fmt.Sprint("m", i), "")
			m.Collection = "Message"
			_, err = h.store.Commit(h.ctx, m, nil)
		}
		errs <- err
	}()

	var seq, version uint64
	for {
		page := next(t, sub)
		is.True(sub.Seq() > seq)
		is.True(page.Version > version || seq == 0)
		seq, version = sub.Seq(), page.Version
		if page.TotalCount == 50 {
			is.Equal(keys(page), []int64{50, 49, 48})
			break
		}
	}
	is.NoErr(<-errs)
}

func TestCloseDiscards(t *testing.T) {
	is := is.New(t)

	h := setup(t)

	sub, err := h.engine.Open(h.ctx, live.Params{Key: pkAsc, Args: connection.Args{First: ptr(10)}})
	is.NoErr(err)
	h.commit(t, create("hello", ""))

	is.NoErr(sub.Close(h.ctx))
	is.NoErr(sub.Close(h.ctx))

	n, err := h.engine.Len(h.ctx)
	is.NoErr(err)
	is.Equal(n, 0)

	h.run()
	h.settle(t)
	is.True(!sub.Recv(h.ctx))
	is.True(sub.Page() == nil)
}

func TestOpenInvalid(t *testing.T) {
	is := is.New(t)

	h := setup(t)

	_, err := h.engine.Open(h.ctx, live.Params{Key: pkAsc, Args: connection.Args{First: ptr(-1)}})
	is.True(errors.Is(err, livemsg.ErrInvalidArgument))

	_, err = h.engine.Open(h.ctx, live.Params{Key: pkAsc, Args: connection.Args{After: ptr("%%%")}})
	is.True(errors.Is(err, livemsg.ErrInvalidCursor))

	_, err = h.engine.Open(h.ctx, live.Params{Args: connection.Args{First: ptr(1)}})
	is.True(errors.Is(err, livemsg.ErrInvalidArgument))

	n, err := h.engine.Len(h.ctx)
	is.NoErr(err)
	is.Equal(n, 0)
}

// Every change that alters a page must schedule the subscription holding it.
func TestNoFalseNegatives(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	store, err := livemsg.Open(ctx, "mem:")
	is.NoErr(err)

	rnd := rand.New(rand.NewSource(7))
	channels := []string{"", "a", "b"}
	params := []live.Params{
		{Key: pkAsc, Args: connection.Args{First: ptr(3)}},
		{Key: pkAsc, Args: connection.Args{Last: ptr(2)}},
		{Key: order.MustParse(record.Messages, "CHANNEL_ASC"), Args: connection.Args{First: ptr(2), Offset: ptr(1)}},
		{Key: order.MustParse(record.Messages, "AUTHOR_DESC"), Cond: filter.Condition{"channel": record.String("a")}, Args: connection.Args{First: ptr(2)}},
		{Key: pkAsc, Cond: filter.Condition{"channel": record.Null}, Args: connection.Args{First: ptr(4)}},
	}

	resolve := func(p live.Params) *connection.Page {
		snap, err := store.Snapshot(ctx)
		is.NoErr(err)
		defer snap.Close()
		page, err := connection.Resolve(ctx, snap, p.Key, p.Cond, p.Args)
		is.NoErr(err)
		return page
	}

	var pk int64
	for i := 0; i < 200; i++ {
		before := make([]*connection.Page, len(params))
		for j, p := range params {
			before[j] = resolve(p)
		}

		m := driver.Mutation{Collection: "Message"}
		ch := channels[rnd.Intn(len(channels))]
		switch op := rnd.Intn(4); {
		case op == 0 && pk > 0:
			m.Op = record.OpDelete
			m.PK = rnd.Int63n(pk) + 1
		case op == 1 && pk > 0:
			m.Op = record.OpUpdate
			m.PK = rnd.Int63n(pk) + 1
			m.Fields = record.Fields{"channel": record.String(ch), "author": record.String(fmt.Sprint(rnd.Intn(3)))}
			if ch == "" {
				m.Fields["channel"] = record.Null
			}
		default:
			m = driver.Mutation{Collection: "Message", Op: record.OpCreate, Fields: record.Fields{"text": record.String("x")}}
			if ch != "" {
				m.Fields["channel"] = record.String(ch)
			}
		}

		c, err := store.Commit(ctx, m, nil)
		if errors.Is(err, livemsg.ErrNotFound) {
			continue
		}
		is.NoErr(err)
		if m.Op == record.OpCreate {
			pk = c.PK
		}

		for j, p := range params {
			if !resolve(p).Equal(before[j]) {
				is.True(live.Affects(p, before[j], c))
			}
		}
	}
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
