// package sqlitestore provides a driver that keeps the collection in a SQLite
// table and pushes filters, ordering and windows down into SQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	_ "modernc.org/sqlite"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/filter"
	"github.com/sour-is/livemsg/pkg/order"
	"github.com/sour-is/livemsg/pkg/record"
)

type sqliteStore struct {
	schema *record.Schema
	table  string
	db     *sql.DB
	now    func() time.Time

	// writers hold mu across commit and hook; snapshots begin under a read lock.
	mu sync.RWMutex

	m_sql_query syncint64.Counter
	m_sql_write syncint64.Counter
}

func Init(ctx context.Context, schema *record.Schema) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	d := &sqliteStore{schema: schema}

	m := lg.Meter(ctx)
	var err, errs error

	d.m_sql_query, err = m.SyncInt64().Counter("sql_query")
	errs = multierr.Append(errs, err)

	d.m_sql_write, err = m.SyncInt64().Counter("sql_write")
	errs = multierr.Append(errs, err)

	errs = multierr.Append(errs, livemsg.Register(ctx, "sqlite", d))

	return errs
}

var _ driver.Driver = (*sqliteStore)(nil)

func (d *sqliteStore) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	scheme, path, ok := strings.Cut(dsn, ":")
	if !ok || scheme != "sqlite" || path == "" {
		return nil, fmt.Errorf("expected sqlite:<path>, got=%s", dsn)
	}
	span.SetAttributes(attribute.String("path", path))

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s := &sqliteStore{
		schema:      d.schema,
		table:       strings.ToLower(d.schema.Collection),
		db:          db,
		now:         time.Now,
		m_sql_query: d.m_sql_query,
		m_sql_write: d.m_sql_write,
	}

	if err := s.migrate(ctx); err != nil {
		span.RecordError(err)
		return nil, multierr.Append(err, db.Close())
	}

	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	cols := []string{"id INTEGER PRIMARY KEY", "version INTEGER NOT NULL"}
	for _, f := range s.schema.Fields {
		cols = append(cols, quote(f.Name)+" "+columnType(f.Kind))
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(s.table), strings.Join(cols, ",\n\t")),
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value INTEGER NOT NULL)`,
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('version', 0), ('seq', 0)`,
	}
	for _, f := range s.schema.Fields {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s, id)",
			quote("idx_"+s.table+"_"+f.Name), quote(s.table), quote(f.Name),
		))
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Snapshot(ctx context.Context) (driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// the first read pins the snapshot.
	version, _, err := readMeta(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return nil, multierr.Append(err, tx.Rollback())
	}
	span.SetAttributes(attribute.Int64("version", int64(version)))

	return &snapshot{store: s, tx: tx, version: version}, nil
}

func (s *sqliteStore) Commit(ctx context.Context, m driver.Mutation, hook driver.Hook) (driver.Change, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.commit(ctx, m)
	if err != nil {
		span.RecordError(err)
		return c, err
	}
	s.m_sql_write.Add(ctx, 1)

	if hook != nil {
		hook(ctx, c)
	}
	return c, nil
}

func (s *sqliteStore) commit(ctx context.Context, m driver.Mutation) (driver.Change, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c := driver.Change{
		ID:         ulid.Make(),
		Collection: m.Collection,
		Op:         m.Op,
		At:         s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	version, seq, err := readMeta(ctx, tx)
	if err != nil {
		return c, err
	}
	c.Version = version + 1

	if m.Op == record.OpCreate {
		seq++
		c.PK = seq
		c.After = &record.Record{PK: seq, Version: 1, Fields: record.Fields{}.Patch(m.Fields)}
		if err = s.insert(ctx, tx, c.After); err != nil {
			return c, err
		}
	} else {
		old, err := s.get(ctx, tx, m.PK)
		if err != nil {
			return c, fmt.Errorf("%s %d: %w", m.Collection, m.PK, err)
		}
		if m.IfVersion != 0 && m.IfVersion != old.Version {
			return c, fmt.Errorf("%w: current version wrong %d != %d", driver.ErrConcurrentModification, m.IfVersion, old.Version)
		}
		c.PK = old.PK
		c.Before = old

		switch m.Op {
		case record.OpUpdate:
			c.After = &record.Record{PK: old.PK, Version: old.Version + 1, Fields: old.Fields.Patch(m.Fields)}
			err = s.update(ctx, tx, c.After)
		case record.OpDelete:
			_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", quote(s.table)), old.PK)
		default:
			err = fmt.Errorf("unknown op %d", m.Op)
		}
		if err != nil {
			return c, err
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE meta SET value = CASE key WHEN 'version' THEN ? WHEN 'seq' THEN ? END`, c.Version, seq)
	if err != nil {
		return c, err
	}

	return c, tx.Commit()
}

func (s *sqliteStore) insert(ctx context.Context, tx *sql.Tx, rec *record.Record) error {
	cols := []string{"id", "version"}
	args := []any{rec.PK, int64(rec.Version)}
	for _, f := range s.schema.Fields {
		cols = append(cols, quote(f.Name))
		args = append(args, toSQL(rec.Fields[f.Name]))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quote(s.table), strings.Join(cols, ", "), marks,
	), args...)
	return err
}

func (s *sqliteStore) update(ctx context.Context, tx *sql.Tx, rec *record.Record) error {
	sets := []string{"version = ?"}
	args := []any{int64(rec.Version)}
	for _, f := range s.schema.Fields {
		sets = append(sets, quote(f.Name)+" = ?")
		args = append(args, toSQL(rec.Fields[f.Name]))
	}
	args = append(args, rec.PK)

	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = ?",
		quote(s.table), strings.Join(sets, ", "),
	), args...)
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readMeta(ctx context.Context, q querier) (version uint64, seq int64, err error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return 0, 0, err
		}
		switch key {
		case "version":
			version = uint64(value)
		case "seq":
			seq = value
		}
	}
	return version, seq, rows.Err()
}

func (s *sqliteStore) columns() string {
	cols := []string{"id", "version"}
	for _, f := range s.schema.Fields {
		cols = append(cols, quote(f.Name))
	}
	return strings.Join(cols, ", ")
}

func (s *sqliteStore) get(ctx context.Context, q querier, pk int64) (*record.Record, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", s.columns(), quote(s.table)), pk)
	if err != nil {
		return nil, err
	}
	lis, err := s.scan(rows)
	if err != nil {
		return nil, err
	}
	if len(lis) == 0 {
		return nil, fmt.Errorf("%w: %d", driver.ErrNotFound, pk)
	}
	return lis[0], nil
}

func (s *sqliteStore) scan(rows *sql.Rows) ([]*record.Record, error) {
	defer rows.Close()

	var lis []*record.Record
	for rows.Next() {
		var pk, version int64
		dest := []any{&pk, &version}
		vals := make([]any, len(s.schema.Fields))
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		rec := &record.Record{PK: pk, Version: uint64(version), Fields: make(record.Fields, len(vals))}
		for i, f := range s.schema.Fields {
			v, err := fromSQL(vals[i], f.Kind)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			if !v.IsNull() {
				rec.Fields[f.Name] = v
			}
		}
		lis = append(lis, rec)
	}
	return lis, rows.Err()
}

type snapshot struct {
	store   *sqliteStore
	tx      *sql.Tx
	version uint64
	once    sync.Once
}

var _ driver.Snapshot = (*snapshot)(nil)

func (s *snapshot) Version() uint64 { return s.version }

func (s *snapshot) Get(ctx context.Context, pk int64) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s.store.m_sql_query.Add(ctx, 1)
	return s.store.get(ctx, s.tx, pk)
}

func (s *snapshot) Fetch(ctx context.Context, cond filter.Condition, key order.Key, r driver.Range) ([]*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	w := &where{schema: s.store.schema}
	w.condition(cond)
	if r.After != nil {
		w.bound(key, r.After, true)
	}
	if r.Before != nil {
		w.bound(key, r.Before, false)
	}
	if w.err != nil {
		span.RecordError(w.err)
		return nil, w.err
	}

	terms := key.Terms()
	orderBy := make([]string, len(terms))
	for i, t := range terms {
		dir := t.Dir
		if r.Backward {
			dir = !dir
		}
		orderBy[i] = column(t.Field) + " " + dir.String()
	}

	limit := r.Limit
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		s.store.columns(), quote(s.store.table), w.String(), strings.Join(orderBy, ", "),
	)
	args := append(w.args, limit, r.Skip)
	span.SetAttributes(attribute.String("sql", query))

	s.store.m_sql_query.Add(ctx, 1)
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.store.scan(rows)
}

func (s *snapshot) Count(ctx context.Context, cond filter.Condition) (int, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	w := &where{schema: s.store.schema}
	w.condition(cond)
	if w.err != nil {
		return 0, w.err
	}

	s.store.m_sql_query.Add(ctx, 1)

	var n int
	err := s.tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s", quote(s.store.table), w.String(),
	), w.args...).Scan(&n)
	return n, err
}

func (s *snapshot) Close() error {
	var err error
	s.once.Do(func() {
		err = s.tx.Rollback()
		if errors.Is(err, sql.ErrTxDone) {
			err = nil
		}
	})
	return err
}
