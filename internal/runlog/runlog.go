// Package runlog records training scalars and text summaries. Runs are kept
// in a SQLite event store, one database per training phase, and mirrored to
// the structured log.
package runlog

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Writer receives tagged values indexed by step.
type Writer interface {
	Scalar(tag string, value float64, step int) error
	Text(tag, text string, step int) error
	Close() error
}

// EventsFile is the database file name inside a phase directory.
const EventsFile = "events.db"

const schema = `
CREATE TABLE IF NOT EXISTS scalars (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tag TEXT NOT NULL,
	step INTEGER NOT NULL,
	value REAL NOT NULL,
	wall_time REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scalars_tag ON scalars(tag, step);

CREATE TABLE IF NOT EXISTS texts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tag TEXT NOT NULL,
	step INTEGER NOT NULL,
	body TEXT NOT NULL,
	wall_time REAL NOT NULL
);
`

// SQLiteWriter appends events to <dir>/<phase>/events.db.
type SQLiteWriter struct {
	conn       *sql.DB
	path       string
	scalarStmt *sql.Stmt
	textStmt   *sql.Stmt
	now        func() time.Time
}

// NewSQLiteWriter creates the phase directory and opens (or creates) its
// event store.
func NewSQLiteWriter(dir, phase string) (*SQLiteWriter, error) {
	phaseDir := filepath.Join(dir, phase)
	if err := os.MkdirAll(phaseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", phaseDir)
	}
	path := filepath.Join(phaseDir, EventsFile)

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "pinging %s", path)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "initializing event schema")
	}

	w := &SQLiteWriter{conn: conn, path: path, now: time.Now}
	if w.scalarStmt, err = conn.Prepare(`INSERT INTO scalars (tag, step, value, wall_time) VALUES (?, ?, ?, ?)`); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "preparing scalar insert")
	}
	if w.textStmt, err = conn.Prepare(`INSERT INTO texts (tag, step, body, wall_time) VALUES (?, ?, ?, ?)`); err != nil {
		w.scalarStmt.Close()
		conn.Close()
		return nil, errors.Wrap(err, "preparing text insert")
	}
	return w, nil
}

// Path returns the database file.
func (w *SQLiteWriter) Path() string { return w.path }

func (w *SQLiteWriter) wallTime() float64 {
	return float64(w.now().UnixNano()) / 1e9
}

// Scalar implements Writer.
func (w *SQLiteWriter) Scalar(tag string, value float64, step int) error {
	_, err := w.scalarStmt.Exec(tag, step, value, w.wallTime())
	return errors.Wrapf(err, "writing scalar %s", tag)
}

// Text implements Writer.
func (w *SQLiteWriter) Text(tag, text string, step int) error {
	_, err := w.textStmt.Exec(tag, step, text, w.wallTime())
	return errors.Wrapf(err, "writing text %s", tag)
}

// Close implements Writer.
func (w *SQLiteWriter) Close() error {
	err := multierr.Combine(w.scalarStmt.Close(), w.textStmt.Close())
	_, _ = w.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return multierr.Append(err, w.conn.Close())
}

// ScalarEvent is one stored scalar.
type ScalarEvent struct {
	Step  int
	Value float64
}

// ReadScalars returns the events stored under tag in the database at path,
// ordered by step then insertion.
func ReadScalars(path, tag string) ([]ScalarEvent, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer conn.Close()

	rows, err := conn.Query(`SELECT step, value FROM scalars WHERE tag = ? ORDER BY step, id`, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", tag)
	}
	defer rows.Close()

	var out []ScalarEvent
	for rows.Next() {
		var e ScalarEvent
		if err := rows.Scan(&e.Step, &e.Value); err != nil {
			return nil, errors.Wrap(err, "scanning scalar")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReadText returns the most recent text stored under tag.
func ReadText(path, tag string) (string, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", path)
	}
	defer conn.Close()

	var body string
	err = conn.QueryRow(`SELECT body FROM texts WHERE tag = ? ORDER BY step DESC, id DESC LIMIT 1`, tag).Scan(&body)
	if err != nil {
		return "", errors.Wrapf(err, "reading text %s", tag)
	}
	return body, nil
}

// LogWriter mirrors events to a zap logger at debug level. Text bodies are
// logged at info level since they carry evaluation reports.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter returns a LogWriter; a nil logger discards everything.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger}
}

// Scalar implements Writer.
func (w *LogWriter) Scalar(tag string, value float64, step int) error {
	w.logger.Debug("scalar", zap.String("tag", tag), zap.Int("step", step), zap.Float64("value", value))
	return nil
}

// Text implements Writer.
func (w *LogWriter) Text(tag, text string, step int) error {
	w.logger.Info(tag, zap.Int("step", step), zap.String("report", text))
	return nil
}

// Close implements Writer. The logger is owned, and synced, by the caller.
func (w *LogWriter) Close() error { return nil }

type multi []Writer

// Multi fans every event out to ws. Errors from all writers are combined.
func Multi(ws ...Writer) Writer {
	return multi(ws)
}

func (m multi) Scalar(tag string, value float64, step int) error {
	var err error
	for _, w := range m {
		err = multierr.Append(err, w.Scalar(tag, value, step))
	}
	return err
}

func (m multi) Text(tag, text string, step int) error {
	var err error
	for _, w := range m {
		err = multierr.Append(err, w.Text(tag, text, step))
	}
	return err
}

func (m multi) Close() error {
	var err error
	for _, w := range m {
		err = multierr.Append(err, w.Close())
	}
	return err
}

// Nop discards everything.
type Nop struct{}

func (Nop) Scalar(string, float64, int) error { return nil }
func (Nop) Text(string, string, int) error    { return nil }
func (Nop) Close() error                      { return nil }
