// Package logbook persists fused instrument readings: a periodic SQLite
// recorder with evolving per-instrument tables, the in-process live logger
// feeding the time-series mirror, and the per-measurement data file writer.
package logbook

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/cryorun/internal/metrics"
	"github.com/loykin/cryorun/internal/state"
)

// Recording cadence bounds.
const (
	DefaultPeriod = 5 * time.Second
	MinPeriod     = time.Second
)

// DBPath builds the run database filename `<prefix>_YYYYMMDD.db`.
func DBPath(prefix string, day time.Time) string {
	return fmt.Sprintf("%s_%s.db", prefix, day.Format("20060102"))
}

// Recorder writes one row per instrument per tick into a SQLite database,
// adding columns as new fields appear. While the database is unreachable,
// snapshots buffer in memory and flush on the next successful tick.
type Recorder struct {
	mu     sync.Mutex
	db     *sql.DB
	store  *state.Store
	logger *slog.Logger
	period time.Duration

	// known columns per table, grown monotonically
	columns map[string]map[string]bool
	pending []state.Snapshot
}

// NewRecorder opens (or creates) the database at path.
func NewRecorder(path string, store *state.Store, period time.Duration, logger *slog.Logger) (*Recorder, error) {
	if period <= 0 {
		period = DefaultPeriod
	}
	if period < MinPeriod {
		period = MinPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	r := &Recorder{
		db:      db,
		store:   store,
		logger:  logger,
		period:  period,
		columns: make(map[string]map[string]bool),
	}
	if err := r.ensureErrorTable(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Close() error { return r.db.Close() }

// Period returns the effective tick period.
func (r *Recorder) Period() time.Duration { return r.period }

// Run ticks until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	t := time.NewTicker(r.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Tick()
		}
	}
}

// Tick takes one snapshot and writes it, flushing any pending backlog first.
func (r *Recorder) Tick() {
	snap := r.store.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()

	backlog := r.pending
	r.pending = nil
	backlog = append(backlog, snap)
	for i, s := range backlog {
		if err := r.writeSnapshot(s); err != nil {
			// keep this one and everything after it for the next tick
			r.pending = append(r.pending, backlog[i:]...)
			r.logger.Warn("logbook write failed, buffering",
				"pending", len(r.pending), "error", err)
			break
		}
	}
	metrics.SetLogbookPending(len(r.pending))
}

// PendingCount reports how many snapshots wait for a reachable database.
func (r *Recorder) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// writeSnapshot writes one row per instrument inside a single transaction.
func (r *Recorder) writeSnapshot(snap state.Snapshot) error {
	// schema changes cannot run inside the row transaction
	for instrument, fields := range snap {
		if err := r.ensureSchema(instrument, fields); err != nil {
			return err
		}
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for instrument, fields := range snap {
		if err := insertRow(tx, tableName(instrument), fields); err != nil {
			_ = tx.Rollback()
			return err
		}
		metrics.IncLogbookRow(instrument)
	}
	return tx.Commit()
}

func tableName(instrument string) string { return sanitizeIdent(instrument) }

// sanitizeIdent keeps letters, digits and underscores so identifiers can be
// quoted straight into DDL.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// sqlType infers the column type from the first value seen for a field.
func sqlType(v any) string {
	switch v.(type) {
	case float64, float32:
		return "REAL"
	case int, int64, bool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// ensureSchema creates the instrument table on first sight and adds columns
// for fields never seen before. Columns only ever grow.
func (r *Recorder) ensureSchema(instrument string, fields state.Fields) error {
	table := tableName(instrument)
	known := r.columns[table]
	if known == nil {
		if _, err := r.db.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS "%s"(id INTEGER PRIMARY KEY AUTOINCREMENT);`, table)); err != nil {
			return err
		}
		known = make(map[string]bool)
		r.columns[table] = known
		// pick up columns of a pre-existing table
		rows, err := r.db.Query(fmt.Sprintf(`PRAGMA table_info("%s");`, table))
		if err != nil {
			return err
		}
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				_ = rows.Close()
				return err
			}
			known[name] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
	}
	// stable iteration keeps ALTER order deterministic
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		col := sanitizeIdent(name)
		if known[col] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s;`, table, col, sqlType(fields[name]))
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
		known[col] = true
	}
	return nil
}

// insertRow writes one instrument row. NaN and nil coerce to NULL.
func insertRow(tx *sql.Tx, table string, fields state.Fields) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, 0, len(names))
	marks := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		cols = append(cols, fmt.Sprintf(`"%s"`, sanitizeIdent(name)))
		marks = append(marks, "?")
		args = append(args, sqlValue(fields[name]))
	}
	stmt := fmt.Sprintf(`INSERT INTO "%s"(%s) VALUES(%s);`,
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	_, err := tx.Exec(stmt, args...)
	return err
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return v
	}
}

// --- error event table ---

func (r *Recorder) ensureErrorTable() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS errors(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timeseconds REAL NOT NULL,
		ReadableTime TEXT NOT NULL,
		kind TEXT NOT NULL,
		component TEXT NOT NULL,
		method TEXT NOT NULL,
		message TEXT NOT NULL
	);`)
	return err
}

// RecordError appends one error event to the errors table.
func (r *Recorder) RecordError(ts time.Time, kind, component, method, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`INSERT INTO errors(timeseconds, ReadableTime, kind, component, method, message) VALUES(?, ?, ?, ?, ?, ?);`,
		float64(ts.UnixNano())/1e9, state.Readable(ts), kind, component, method, message)
	return err
}

// Columns reports the known columns of one instrument table, for tests and
// the HTTP surface.
func (r *Recorder) Columns(instrument string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	known := r.columns[tableName(instrument)]
	out := make([]string, 0, len(known))
	for c := range known {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// RowCount counts rows of one instrument table.
func (r *Recorder) RowCount(instrument string) (int, error) {
	var n int
	err := r.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM "%s";`, tableName(instrument))).Scan(&n)
	return n, err
}

// QueryValue reads one column of one row (1-based id), NULLs come back as
// nil. Test/diagnostic helper.
func (r *Recorder) QueryValue(instrument, column string, id int) (any, error) {
	var v any
	stmt := fmt.Sprintf(`SELECT "%s" FROM "%s" WHERE id=?;`, sanitizeIdent(column), tableName(instrument))
	err := r.db.QueryRow(stmt, id).Scan(&v)
	return v, err
}
