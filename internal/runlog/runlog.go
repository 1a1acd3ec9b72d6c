// Package runlog records training runs and their loss curve in a SQLite
// database (pure Go, modernc.org/sqlite).
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	// Register the modernc sqlite driver under the name "sqlite"
	_ "modernc.org/sqlite"

	"tunekit/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	pipeline TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	config TEXT,
	message TEXT
);
CREATE TABLE IF NOT EXISTS points(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	kind TEXT NOT NULL,
	step INTEGER NOT NULL,
	epoch INTEGER NOT NULL,
	loss REAL NOT NULL,
	val_loss REAL NOT NULL,
	lr REAL NOT NULL,
	elapsed_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS points_run ON points(run_id, id);
`

// Run is one row of the runs table.
type Run struct {
	ID         string
	Pipeline   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Config     string
	Message    string
}

// Point is one logged step or epoch.
type Point struct {
	Kind    telemetry.Kind
	Step    int
	Epoch   int
	Loss    float64
	ValLoss float64
	LR      float64
	Elapsed time.Duration
}

// Recorder is a telemetry.Sink that writes to SQLite. Write errors are
// logged and never stop training.
type Recorder struct {
	db  *sql.DB
	log *zap.Logger
	mu  sync.Mutex
}

// Open creates the database and schema at path. Use ":memory:" in tests.
func Open(path string, log *zap.Logger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("runlog: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("runlog: open %q: %w", path, err)
	}
	// one connection; an in-memory database is per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: schema: %w", err)
	}
	return &Recorder{db: db, log: log}, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// Begin inserts a run row. config is stored verbatim (JSON or YAML text).
func (r *Recorder) Begin(ctx context.Context, id, pipeline, config string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO runs(id, pipeline, started_at, status, config) VALUES(?,?,?,?,?)",
		id, pipeline, time.Now().UTC().Format(time.RFC3339Nano), "running", config)
	return err
}

// Emit implements telemetry.Sink.
func (r *Recorder) Emit(e telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	switch e.Kind {
	case telemetry.KindStep, telemetry.KindEpoch:
		_, err = r.db.Exec(
			"INSERT INTO points(run_id, kind, step, epoch, loss, val_loss, lr, elapsed_ms) VALUES(?,?,?,?,?,?,?,?)",
			e.RunID, string(e.Kind), e.Step, e.Epoch, e.Loss, e.ValLoss, e.LR, e.Elapsed.Milliseconds())
	case telemetry.KindDone, telemetry.KindError:
		status := "done"
		if e.Kind == telemetry.KindError {
			status = "failed"
		}
		_, err = r.db.Exec("UPDATE runs SET finished_at = ?, status = ?, message = ? WHERE id = ?",
			time.Now().UTC().Format(time.RFC3339Nano), status, e.Message, e.RunID)
	}
	if err != nil {
		r.log.Warn("runlog write failed", zap.String("run_id", e.RunID), zap.Error(err))
	}
}

// Runs lists runs, newest first.
func (r *Recorder) Runs(ctx context.Context) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, pipeline, started_at, finished_at, status, COALESCE(config, ''), COALESCE(message, '') FROM runs ORDER BY started_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			run      Run
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Pipeline, &started, &finished, &run.Status, &run.Config, &run.Message); err != nil {
			return nil, err
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, finished.String)
			run.FinishedAt = &ts
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Points returns the logged points of one run in insertion order.
func (r *Recorder) Points(ctx context.Context, runID string) ([]Point, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT kind, step, epoch, loss, val_loss, lr, elapsed_ms FROM points WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var (
			p    Point
			kind string
			ms   int64
		)
		if err := rows.Scan(&kind, &p.Step, &p.Epoch, &p.Loss, &p.ValLoss, &p.LR, &ms); err != nil {
			return nil, err
		}
		p.Kind = telemetry.Kind(kind)
		p.Elapsed = time.Duration(ms) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}
