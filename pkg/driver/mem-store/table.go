package memstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

// Table is an immutable version of the collection. Writes return a new
// Table, so holding one is a snapshot.
type Table struct {
	version uint64
	seq     int64
	rows    []*record.Record

	mu     sync.Mutex
	sorted map[uint64][]*record.Record
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Version() uint64 { return t.version }

// Seq is the highest primary key ever assigned.
func (t *Table) Seq() int64 { return t.seq }
func (t *Table) Len() int   { return len(t.rows) }

func (t *Table) Get(pk int64) (*record.Record, bool) {
	i, ok := t.find(pk)
	if !ok {
		return nil, false
	}
	return t.rows[i].Clone(), true
}

func (t *Table) find(pk int64) (int, bool) {
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].PK >= pk })
	return i, i < len(t.rows) && t.rows[i].PK == pk
}

// Plan computes the change m would make without applying it.
func (t *Table) Plan(m driver.Mutation, now time.Time) (driver.Change, error) {
	c := driver.Change{
		ID:         ulid.Make(),
		Collection: m.Collection,
		Op:         m.Op,
		Version:    t.version + 1,
		At:         now,
	}

	if m.Op == record.OpCreate {
		c.PK = t.seq + 1
		c.After = &record.Record{PK: c.PK, Version: 1, Fields: record.Fields{}.Patch(m.Fields)}
		return c, nil
	}

	i, ok := t.find(m.PK)
	if !ok {
		return c, fmt.Errorf("%w: %s %d", driver.ErrNotFound, m.Collection, m.PK)
	}
	old := t.rows[i]
	if m.IfVersion != 0 && m.IfVersion != old.Version {
		return c, fmt.Errorf("%w: current version wrong %d != %d", driver.ErrConcurrentModification, m.IfVersion, old.Version)
	}

	c.PK = old.PK
	c.Before = old.Clone()

	switch m.Op {
	case record.OpUpdate:
		c.After = &record.Record{PK: old.PK, Version: old.Version + 1, Fields: old.Fields.Patch(m.Fields)}
	case record.OpDelete:
	default:
		return c, fmt.Errorf("unknown op %d", m.Op)
	}

	return c, nil
}

// Replay returns a new Table with c applied.
func (t *Table) Replay(c driver.Change) *Table {
	n := &Table{version: c.Version, seq: t.seq}
	if c.PK > n.seq {
		n.seq = c.PK
	}

	i, found := t.find(c.PK)
	switch {
	case c.After == nil && found:
		n.rows = make([]*record.Record, 0, len(t.rows)-1)
		n.rows = append(n.rows, t.rows[:i]...)
		n.rows = append(n.rows, t.rows[i+1:]...)
	case c.After != nil && found:
		n.rows = make([]*record.Record, len(t.rows))
		copy(n.rows, t.rows)
		n.rows[i] = c.After.Clone()
	case c.After != nil:
		n.rows = make([]*record.Record, 0, len(t.rows)+1)
		n.rows = append(n.rows, t.rows[:i]...)
		n.rows = append(n.rows, c.After.Clone())
		n.rows = append(n.rows, t.rows[i:]...)
	default:
		n.rows = t.rows
	}

	return n
}

// Apply plans and replays m.
func (t *Table) Apply(m driver.Mutation, now time.Time) (*Table, driver.Change, error) {
	c, err := t.Plan(m, now)
	if err != nil {
		return t, c, err
	}
	return t.Replay(c), c, nil
}

// Scan walks the rows in key order within r.
func (t *Table) Scan(cond filter.Condition, key order.Key, r driver.Range) []*record.Record {
	rows := t.sortedBy(key)

	var lis []*record.Record
	skip := r.Skip
	take := func(rec *record.Record) bool {
		if !cond.Match(rec) {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		lis = append(lis, rec.Clone())
		return r.Limit <= 0 || len(lis) < r.Limit
	}

	if !r.Backward {
		start := 0
		if r.After != nil {
			start = sort.Search(len(rows), func(i int) bool {
				c := key.Compare(key.Values(rows[i]), r.After.Values)
				return c > 0 || (c == 0 && r.After.Inclusive)
			})
		}
		for i := start; i < len(rows); i++ {
			if !r.Within(key, key.Values(rows[i])) {
				break
			}
			if !take(rows[i]) {
				break
			}
		}
		return lis
	}

	end := len(rows)
	if r.Before != nil {
		end = sort.Search(len(rows), func(i int) bool {
			c := key.Compare(key.Values(rows[i]), r.Before.Values)
			return c > 0 || (c == 0 && !r.Before.Inclusive)
		})
	}
	for i := end - 1; i >= 0; i-- {
		if !r.Within(key, key.Values(rows[i])) {
			break
		}
		if !take(rows[i]) {
			break
		}
	}
	return lis
}

// Count returns the number of rows matching cond.
func (t *Table) Count(cond filter.Condition) int {
	if len(cond) == 0 {
		return len(t.rows)
	}
	n := 0
	for _, rec := range t.rows {
		if cond.Match(rec) {
			n++
		}
	}
	return n
}

var natural = order.New()

func (t *Table) sortedBy(key order.Key) []*record.Record {
	if key.Fingerprint() == natural.Fingerprint() {
		return t.rows
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if lis, ok := t.sorted[key.Fingerprint()]; ok {
		return lis
	}

	lis := make([]*record.Record, len(t.rows))
	copy(lis, t.rows)
	sort.SliceStable(lis, func(i, j int) bool { return key.Less(lis[i], lis[j]) })

	if t.sorted == nil {
		t.sorted = make(map[uint64][]*record.Record)
	}
	t.sorted[key.Fingerprint()] = lis

	return lis
}
