// package driver defines interfaces to be used by driver implementations.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Driver stores one collection of records.
type Driver interface {
	Open(ctx context.Context, dsn string) (Driver, error)

	// Snapshot returns a consistent read view. Every change committed before
	// the call is visible in it and nothing committed after.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Commit applies m atomically. The hook runs after the commit and before
	// any snapshot can observe it. A missing target fails with ErrNotFound
	// and commits nothing.
	Commit(ctx context.Context, m Mutation, hook Hook) (Change, error)
}

// Hook observes a commit from inside the driver's write critical section. It must not block.
type Hook func(context.Context, Change)

// Chain runs hooks in order. Nil hooks are skipped.
func Chain(hooks ...Hook) Hook {
	return func(ctx context.Context, c Change) {
		for _, h := range hooks {
			if h != nil {
				h(ctx, c)
			}
		}
	}
}

// Snapshot is a read view at one committed version. It must be closed.
type Snapshot interface {
	Version() uint64
	Get(ctx context.Context, pk int64) (*record.Record, error)

	// Fetch returns records matching cond in key order, or reverse key order
	// when r.Backward is set.
	Fetch(ctx context.Context, cond filter.Condition, key order.Key, r Range) ([]*record.Record, error)
	Count(ctx context.Context, cond filter.Condition) (int, error)
	Close() error
}

// Bound limits a Range by a tuple under the fetch key.
type Bound struct {
	Values    order.Values
	Inclusive bool
}

// Range selects a window of the ordered sequence. Skip is applied after the
// bounds in the direction of travel. A Limit of zero is unlimited.
type Range struct {
	After    *Bound
	Before   *Bound
	Backward bool
	Skip     int
	Limit    int
}

// Mutation is a single write. PK is ignored for OpCreate. IfVersion, when
// non-zero, must equal the current record version.
type Mutation struct {
	Op         record.Op
	Collection string
	PK         int64
	Fields     record.Fields
	IfVersion  uint64
}

// Change describes a committed mutation. Before is nil for a create and After
// is nil for a delete.
type Change struct {
	ID         ulid.ULID
	Collection string
	Op         record.Op
	PK         int64
	Before     *record.Record
	After      *record.Record
	Version    uint64
	At         time.Time
}

// Record returns the state the change left behind, or the last state for a delete.
func (c Change) Record() *record.Record {
	if c.After != nil {
		return c.After
	}
	return c.Before
}

// Within reports whether values fall inside r under key, ignoring Skip and Limit.
func (r Range) Within(key order.Key, values order.Values) bool {
	if r.After != nil {
		c := key.Compare(values, r.After.Values)
		if c < 0 || (c == 0 && !r.After.Inclusive) {
			return false
		}
	}
	if r.Before != nil {
		c := key.Compare(values, r.Before.Values)
		if c > 0 || (c == 0 && !r.Before.Inclusive) {
			return false
		}
	}
	return true
}

// ChangeStream fans committed changes out to listeners. Listeners run inside
// the committing driver's critical section and must not block.
type ChangeStream interface {
	Listen(ctx context.Context, fn Hook) (unlisten func(context.Context) error, err error)
}
