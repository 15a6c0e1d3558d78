// package diskstore provides a driver that logs every change to disk and
// serves reads from the replayed table in memory.
package diskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/wal"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
	memstore "github.com/sour-is/livemsg/pkg/driver/mem-store"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/locker"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

const logName = "changes"

type state struct {
	log   *wal.Log
	table *memstore.Table
}

type diskStore struct {
	path  string
	state *locker.Locked[state]
	now   func() time.Time

	m_disk_open  syncint64.Counter
	m_disk_read  syncint64.Counter
	m_disk_write syncint64.Counter
}

func Init(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	d := &diskStore{}

	m := lg.Meter(ctx)
	var err, errs error

	d.m_disk_open, err = m.SyncInt64().Counter("disk_open")
	errs = multierr.Append(errs, err)

	d.m_disk_read, err = m.SyncInt64().Counter("disk_read")
	errs = multierr.Append(errs, err)

	d.m_disk_write, err = m.SyncInt64().Counter("disk_write")
	errs = multierr.Append(errs, err)

	errs = multierr.Append(errs, livemsg.Register(ctx, "file", d))

	return errs
}

var _ driver.Driver = (*diskStore)(nil)

func (d *diskStore) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	scheme, path, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("expected scheme")
	}

	if scheme != "file" {
		return nil, fmt.Errorf("expeted scheme=file, got=%s", scheme)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0700)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	l, err := wal.Open(filepath.Join(path, logName), wal.DefaultOptions)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.m_disk_open.Add(ctx, 1)

	table, err := d.replay(ctx, l)
	if err != nil {
		span.RecordError(err)
		return nil, multierr.Append(err, l.Close())
	}

	return &diskStore{
		path:         path,
		state:        locker.New(&state{log: l, table: table}),
		now:          time.Now,
		m_disk_open:  d.m_disk_open,
		m_disk_read:  d.m_disk_read,
		m_disk_write: d.m_disk_write,
	}, nil
}

func (d *diskStore) replay(ctx context.Context, l *wal.Log) (*memstore.Table, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	table := memstore.NewTable()

	first, err := l.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := l.LastIndex()
	if err != nil {
		return nil, err
	}
	if first == 0 || last == 0 {
		return table, nil
	}

	for idx := first; idx <= last; idx++ {
		c, err := readChange(l, idx)
		if err != nil {
			return nil, err
		}
		table = table.Replay(c)
	}
	d.m_disk_read.Add(ctx, int64(last-first+1))
	span.AddEvent(fmt.Sprintf("replayed %d changes", last-first+1))

	return table, nil
}

func (d *diskStore) Snapshot(ctx context.Context) (driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	snap := &snapshot{}
	err := d.state.Modify(ctx, func(ctx context.Context, state *state) error {
		snap.table = state.table
		return nil
	})
	return snap, err
}

func (d *diskStore) Commit(ctx context.Context, m driver.Mutation, hook driver.Hook) (driver.Change, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var change driver.Change
	err := d.state.Modify(ctx, func(ctx context.Context, state *state) error {
		ctx, span := lg.Span(ctx)
		defer span.End()

		c, err := state.table.Plan(m, d.now())
		if err != nil {
			span.RecordError(err)
			return err
		}

		b, err := record.Marshal(toEntry(c))
		if err != nil {
			span.RecordError(err)
			return err
		}
		if err = state.log.Write(c.Version, b); err != nil {
			span.RecordError(err)
			return err
		}
		d.m_disk_write.Add(ctx, 1)

		state.table = state.table.Replay(c)
		change = c
		if hook != nil {
			hook(ctx, c)
		}
		return nil
	})

	return change, err
}

func (d *diskStore) Close() error {
	return d.state.Modify(context.Background(), func(ctx context.Context, state *state) error {
		return state.log.Close()
	})
}

type entry struct {
	_          struct{} `cbor:",toarray"`
	ID         []byte
	Collection string
	Op         record.Op
	PK         int64
	Before     *record.Record
	After      *record.Record
	At         int64
}

func toEntry(c driver.Change) entry {
	return entry{
		ID:         c.ID[:],
		Collection: c.Collection,
		Op:         c.Op,
		PK:         c.PK,
		Before:     c.Before,
		After:      c.After,
		At:         c.At.UnixNano(),
	}
}

func readChange(l *wal.Log, idx uint64) (driver.Change, error) {
	b, err := l.Read(idx)
	if err != nil {
		if errors.Is(err, wal.ErrNotFound) || errors.Is(err, wal.ErrOutOfRange) {
			err = fmt.Errorf("%w: change %d", driver.ErrNotFound, idx)
		}
		return driver.Change{}, err
	}

	var e entry
	if err := record.Unmarshal(b, &e); err != nil {
		return driver.Change{}, fmt.Errorf("change %d: %w", idx, err)
	}

	var id ulid.ULID
	copy(id[:], e.ID)

	return driver.Change{
		ID:         id,
		Collection: e.Collection,
		Op:         e.Op,
		PK:         e.PK,
		Before:     e.Before,
		After:      e.After,
		Version:    idx,
		At:         time.Unix(0, e.At).UTC(),
	}, nil
}

type snapshot struct {
	table *memstore.Table
}

var _ driver.Snapshot = (*snapshot)(nil)

func (s *snapshot) Version() uint64 { return s.table.Version() }
func (s *snapshot) Get(ctx context.Context, pk int64) (*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	rec, ok := s.table.Get(pk)
	if !ok {
		return nil, fmt.Errorf("%w: %d", driver.ErrNotFound, pk)
	}
	return rec, nil
}
func (s *snapshot) Fetch(ctx context.Context, cond filter.Condition, key order.Key, r driver.Range) ([]*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return s.table.Scan(cond, key, r), nil
}
func (s *snapshot) Count(ctx context.Context, cond filter.Condition) (int, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return s.table.Count(cond), nil
}
func (s *snapshot) Close() error { return nil }
