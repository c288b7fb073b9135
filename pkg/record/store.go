// Package record stores anneal runs and their samples in SQLite.
package record

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/itohio/goanneal/pkg/anneal"
	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/itohio/goanneal/pkg/sample"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("record: run not found")

// Outcome is how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeRunning   Outcome = "running"
	OutcomeDone      Outcome = "done"
	OutcomeTripped   Outcome = "tripped"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// OutcomeOf maps the error returned by anneal.Controller.Run to an outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDone
	case errors.Is(err, anneal.ErrPressureTrip):
		return OutcomeTripped
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// Run describes one recorded anneal.
type Run struct {
	ID       int64
	Started  time.Time
	Finished time.Time // Zero while running
	Recipe   anneal.Recipe
	Outcome  Outcome
	Samples  int
}

// Store is the run database.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started INTEGER NOT NULL,
	finished INTEGER NOT NULL DEFAULT 0,
	recipe TEXT NOT NULL,
	outcome TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	ts INTEGER NOT NULL,
	phase TEXT NOT NULL,
	step INTEGER NOT NULL,
	setpoint REAL NOT NULL,
	current REAL NOT NULL,
	voltage REAL NOT NULL,
	pressure REAL NOT NULL,
	status INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id, ts);
`

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to initialize schema: %w", err), db.Close())
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// CreateRun starts a new run and returns its id.
func (s *Store) CreateRun(recipe anneal.Recipe) (int64, error) {
	data, err := yaml.Marshal(recipe)
	if err != nil {
		return 0, fmt.Errorf("marshal recipe: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO runs (started, recipe, outcome) VALUES (?, ?, ?)`,
		time.Now().UnixNano(), string(data), string(OutcomeRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return res.LastInsertId()
}

const insertSample = `INSERT INTO samples
	(run_id, ts, phase, step, setpoint, current, voltage, pressure, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func appendSample(e execer, runID int64, smp sample.Sample) error {
	_, err := e.Exec(insertSample,
		runID, smp.Timestamp.UnixNano(), string(smp.Phase), smp.Step,
		smp.Setpoint, smp.Current, smp.Voltage, smp.Pressure, int(smp.Status),
	)
	return err
}

// Append stores one sample of a run.
func (s *Store) Append(runID int64, smp sample.Sample) error {
	if err := appendSample(s.db, runID, smp); err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	return nil
}

// AppendBatch stores samples in one transaction.
func (s *Store) AppendBatch(runID int64, samples []sample.Sample) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	for _, smp := range samples {
		if err := appendSample(tx, runID, smp); err != nil {
			return fmt.Errorf("append sample: %w", err)
		}
	}
	return tx.Commit()
}

// Finish marks a run as ended.
func (s *Store) Finish(runID int64, outcome Outcome) error {
	res, err := s.db.Exec(
		`UPDATE runs SET finished = ?, outcome = ? WHERE id = ?`,
		time.Now().UnixNano(), string(outcome), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	return nil
}

const selectRun = `SELECT r.id, r.started, r.finished, r.recipe, r.outcome,
	(SELECT COUNT(*) FROM samples WHERE run_id = r.id)
	FROM runs r`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                 Run
		started, finished int64
		recipe, outcome   string
	)
	if err := row.Scan(&r.ID, &started, &finished, &recipe, &outcome, &r.Samples); err != nil {
		return Run{}, err
	}
	r.Started = time.Unix(0, started)
	if finished != 0 {
		r.Finished = time.Unix(0, finished)
	}
	r.Outcome = Outcome(outcome)
	if err := yaml.Unmarshal([]byte(recipe), &r.Recipe); err != nil {
		return Run{}, fmt.Errorf("run %d: parse recipe: %w", r.ID, err)
	}
	return r, nil
}

// Runs returns all runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(selectRun + ` ORDER BY r.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns a single run.
func (s *Store) Run(runID int64) (Run, error) {
	r, err := scanRun(s.db.QueryRow(selectRun+` WHERE r.id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	return r, err
}

// Samples returns the samples of a run in time order.
func (s *Store) Samples(runID int64) ([]sample.Sample, error) {
	if _, err := s.Run(runID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT ts, phase, step, setpoint, current, voltage, pressure, status
		FROM samples WHERE run_id = ? ORDER BY ts, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var samples []sample.Sample
	for rows.Next() {
		var (
			smp    sample.Sample
			ts     int64
			phase  string
			status int
		)
		if err := rows.Scan(&ts, &phase, &smp.Step, &smp.Setpoint, &smp.Current, &smp.Voltage, &smp.Pressure, &status); err != nil {
			return nil, err
		}
		smp.Timestamp = time.Unix(0, ts)
		smp.Phase = sample.Phase(phase)
		smp.Status = gauge.Status(status)
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// CSVHeader is the first row written by ExportCSV.
var CSVHeader = []string{"time", "elapsed_s", "phase", "step", "setpoint_a", "current_a", "voltage_v", "power_w", "pressure_mbar", "status"}

// ExportCSV writes the samples of a run as CSV.
func (s *Store) ExportCSV(runID int64, w io.Writer) error {
	samples, err := s.Samples(runID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, smp := range samples {
		elapsed := smp.Timestamp.Sub(samples[0].Timestamp).Seconds()
		err := cw.Write([]string{
			smp.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(elapsed, 'f', 3, 64),
			string(smp.Phase),
			strconv.Itoa(smp.Step),
			f(smp.Setpoint),
			f(smp.Current),
			f(smp.Voltage),
			f(smp.Power()),
			f(smp.Pressure),
			smp.Status.String(),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
