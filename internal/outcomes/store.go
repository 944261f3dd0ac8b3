// Package outcomes archives finished agent runs in SQLite so a search
// can be fetched, reported on, and listed per patient after the fact.
// Records are written once per run and never updated.
package outcomes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/trialmatch/internal/agent"
)

// timeLayout has fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("outcome not found")

// Store is a SQLite archive of run outcomes. All public methods are
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open outcomes database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate outcomes schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS outcomes (
		run_id         TEXT PRIMARY KEY,
		patient_id     TEXT NOT NULL,
		status         TEXT NOT NULL,
		success        INTEGER NOT NULL,
		final_response TEXT,
		error          TEXT,
		iterations     INTEGER NOT NULL,
		model          TEXT,
		input_tokens   INTEGER NOT NULL,
		output_tokens  INTEGER NOT NULL,
		criteria       TEXT NOT NULL,
		messages       TEXT NOT NULL,
		started_at     TEXT NOT NULL,
		finished_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_patient ON outcomes(patient_id, started_at);
	`)
	return err
}

// Save archives o. Outcomes without a run ID (rejected inputs) are not
// archivable.
func (s *Store) Save(ctx context.Context, o *agent.Outcome) error {
	if o.RunID == "" {
		return errors.New("save outcome: run ID is required")
	}
	criteria, err := json.Marshal(o.Criteria)
	if err != nil {
		return fmt.Errorf("encode criteria: %w", err)
	}
	messages, err := json.Marshal(o.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes
			(run_id, patient_id, status, success, final_response, error, iterations, model,
			 input_tokens, output_tokens, criteria, messages, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID,
		o.PatientID,
		string(o.Status),
		o.Success,
		o.FinalResponse,
		o.Error,
		o.Iterations,
		o.Model,
		o.InputTokens,
		o.OutputTokens,
		string(criteria),
		string(messages),
		o.StartedAt.UTC().Format(timeLayout),
		o.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

const selectColumns = `SELECT run_id, patient_id, status, success, final_response, error, iterations,
	model, input_tokens, output_tokens, criteria, messages, started_at, finished_at FROM outcomes`

// Get returns the outcome of runID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, runID string) (*agent.Outcome, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE run_id = ?`, runID)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query outcome: %w", err)
	}
	return o, nil
}

// ListByPatient returns the patient's runs, newest first. A limit of
// zero or less returns all of them.
func (s *Store) ListByPatient(ctx context.Context, patientID string, limit int) ([]*agent.Outcome, error) {
	query := selectColumns + ` WHERE patient_id = ? ORDER BY started_at DESC`
	args := []any{patientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []*agent.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(sc scanner) (*agent.Outcome, error) {
	var (
		o                     agent.Outcome
		status                string
		finalResp, errText    sql.NullString
		model                 sql.NullString
		criteria, messages    string
		startedAt, finishedAt string
	)
	err := sc.Scan(
		&o.RunID, &o.PatientID, &status, &o.Success, &finalResp, &errText, &o.Iterations,
		&model, &o.InputTokens, &o.OutputTokens, &criteria, &messages, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = agent.Status(status)
	o.FinalResponse = finalResp.String
	o.Error = errText.String
	o.Model = model.String

	if err := json.Unmarshal([]byte(criteria), &o.Criteria); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &o.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if o.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if o.FinishedAt, err = time.Parse(timeLayout, finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &o, nil
}
