// Package connection resolves cursor paginated windows over a snapshot.
//
// A window is selected by optional after/before cursors, an offset counted
// from the forward end, and either first (take from the front) or last (take
// from the back). hasNextPage and hasPreviousPage report whether any record
// of the filtered sequence lies beyond the window on that side; each is
// answered by fetching at most one record past the window.
package connection

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/cursor"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
	"github.com/sour-is/livemsg/pkg/slice"
)

var ErrInvalidArgument = record.ErrInvalidArgument

// Args selects the window. Nil fields are absent.
type Args struct {
	First  *int
	Last   *int
	Offset *int
	After  *string
	Before *string
}

type Edge struct {
	Cursor string
	Node   *record.Record
}

type PageInfo struct {
	HasNextPage     bool
	HasPreviousPage bool
	StartCursor     string
	EndCursor       string
}

// Page is one resolved window. Version is the snapshot it was read from.
type Page struct {
	Edges      []Edge
	PageInfo   PageInfo
	TotalCount int
	Version    uint64
}

// NewEdge positions rec under key.
func NewEdge(key order.Key, rec *record.Record) Edge {
	return Edge{Cursor: cursor.For(key, rec), Node: rec}
}

// Validate checks the argument combination without touching storage.
func (a Args) Validate() error {
	for _, v := range []struct {
		name string
		v    *int
	}{{"first", a.First}, {"last", a.Last}, {"offset", a.Offset}} {
		if v.v != nil && *v.v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, v.name)
		}
	}
	if a.Last != nil && a.Offset != nil {
		return fmt.Errorf("%w: last and offset are mutually exclusive", ErrInvalidArgument)
	}
	return nil
}

// Resolve reads the window described by args from snap. Records, totalCount
// and probes all come from the same snapshot.
func Resolve(ctx context.Context, snap driver.Snapshot, key order.Key, cond filter.Condition, args Args) (*Page, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.String("order", key.String()),
		attribute.String("filter", cond.String()),
		attribute.Int64("version", int64(snap.Version())),
	)

	if err := args.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	after, err := decode(args.After, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	before, err := decode(args.Before, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	w := &window{ctx: ctx, snap: snap, key: key, cond: cond, after: after, before: before}

	var rows []*record.Record
	var hasNext, hasPrev bool
	if args.Last != nil && args.First == nil {
		rows, hasNext, hasPrev, err = w.backward(*args.Last)
	} else {
		rows, hasNext, hasPrev, err = w.forward(args.First, args.Last, deref(args.Offset))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	total, err := snap.Count(ctx, cond)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	page := &Page{
		Edges:      slice.Map(rows, func(rec *record.Record) Edge { return NewEdge(key, rec) }),
		TotalCount: total,
		Version:    snap.Version(),
		PageInfo: PageInfo{
			HasNextPage:     hasNext,
			HasPreviousPage: hasPrev,
		},
	}
	if len(page.Edges) > 0 {
		page.PageInfo.StartCursor = page.Edges[0].Cursor
		page.PageInfo.EndCursor = page.Edges[len(page.Edges)-1].Cursor
	}
	span.SetAttributes(attribute.Int("edges", len(page.Edges)), attribute.Int("totalCount", total))

	return page, nil
}

type window struct {
	ctx    context.Context
	snap   driver.Snapshot
	key    order.Key
	cond   filter.Condition
	after  order.Values
	before order.Values
}

func (w *window) forward(first, last *int, offset int) (rows []*record.Record, hasNext, hasPrev bool, err error) {
	r := driver.Range{After: bound(w.after, false), Before: bound(w.before, false), Skip: offset}
	if first != nil {
		r.Limit = *first + 1
	}

	rows, err = w.snap.Fetch(w.ctx, w.cond, w.key, r)
	if err != nil {
		return nil, false, false, err
	}

	nextKnown := false
	if first != nil && len(rows) > *first {
		rows, nextKnown = rows[:*first], true
	}
	prevKnown := false
	if last != nil && len(rows) > *last {
		rows, prevKnown = rows[len(rows)-*last:], true
	}

	if len(rows) == 0 {
		gap, err := w.skipped(offset)
		if err != nil {
			return nil, false, false, err
		}
		if gap == nil {
			gap = w.after
		}

		if gap != nil {
			hasPrev, err = w.exists(nil, bound(gap, true))
			if err != nil {
				return nil, false, false, err
			}
		}
		hasNext, err = w.exists(bound(gap, false), nil)
		return rows, hasNext, hasPrev, err
	}

	hasPrev = prevKnown
	if !hasPrev {
		hasPrev, err = w.exists(nil, bound(w.key.Values(rows[0]), false))
		if err != nil {
			return nil, false, false, err
		}
	}

	hasNext = nextKnown
	if !hasNext && (first != nil || w.before != nil) {
		hasNext, err = w.exists(bound(w.key.Values(rows[len(rows)-1]), false), nil)
	}
	return rows, hasNext, hasPrev, err
}

func (w *window) backward(last int) (rows []*record.Record, hasNext, hasPrev bool, err error) {
	r := driver.Range{After: bound(w.after, false), Before: bound(w.before, false), Backward: true, Limit: last + 1}

	rows, err = w.snap.Fetch(w.ctx, w.cond, w.key, r)
	if err != nil {
		return nil, false, false, err
	}

	prevKnown := false
	if len(rows) > last {
		rows, prevKnown = rows[:last], true
	}
	slice.Reverse(rows)

	if len(rows) == 0 {
		gap := w.before
		if gap != nil {
			hasNext, err = w.exists(bound(gap, true), nil)
			if err != nil {
				return nil, false, false, err
			}
		}
		hasPrev, err = w.exists(nil, bound(gap, false))
		return rows, hasNext, hasPrev, err
	}

	hasNext, err = w.exists(bound(w.key.Values(rows[len(rows)-1]), false), nil)
	if err != nil {
		return nil, false, false, err
	}

	hasPrev = prevKnown
	if !hasPrev {
		hasPrev, err = w.exists(nil, bound(w.key.Values(rows[0]), false))
	}
	return rows, hasNext, hasPrev, err
}

// skipped returns the last record the offset stepped over, if any.
func (w *window) skipped(offset int) (order.Values, error) {
	if offset == 0 {
		return nil, nil
	}
	rows, err := w.snap.Fetch(w.ctx, w.cond, w.key, driver.Range{
		After:  bound(w.after, false),
		Before: bound(w.before, false),
		Limit:  offset,
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return w.key.Values(rows[len(rows)-1]), nil
}

// exists probes for one record in the range. A nil after probes from the
// start of the sequence, a nil before to its end.
func (w *window) exists(after, before *driver.Bound) (bool, error) {
	rows, err := w.snap.Fetch(w.ctx, w.cond, w.key, driver.Range{
		After:    after,
		Before:   before,
		Backward: after == nil && before != nil,
		Limit:    1,
	})
	return len(rows) > 0, err
}

func decode(token *string, key order.Key) (order.Values, error) {
	if token == nil {
		return nil, nil
	}
	return cursor.Decode(*token, key)
}

func bound(values order.Values, inclusive bool) *driver.Bound {
	if values == nil {
		return nil
	}
	return &driver.Bound{Values: values, Inclusive: inclusive}
}

func deref(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// Contains reports whether the page holds the record with primary key pk.
func (p *Page) Contains(pk int64) bool {
	if p == nil {
		return false
	}
	for _, e := range p.Edges {
		if e.Node != nil && e.Node.PK == pk {
			return true
		}
	}
	return false
}

// Equal compares edges, page info and totalCount. The snapshot version is ignored.
func (p *Page) Equal(o *Page) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.PageInfo != o.PageInfo || p.TotalCount != o.TotalCount || len(p.Edges) != len(o.Edges) {
		return false
	}
	for i := range p.Edges {
		if p.Edges[i].Cursor != o.Edges[i].Cursor || !p.Edges[i].Node.Equal(o.Edges[i].Node) {
			return false
		}
	}
	return true
}
