// SPDX-License-Identifier: MPL-2.0

package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/envmatrix/envmatrix/internal/report"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	// timeLayout is fixed-width so that stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

//go:embed schema.sql
var schemaSQL string

// ErrRunNotFound is returned by Get for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

type (
	// Store persists run reports.
	Store struct {
		db   *sql.DB
		path string
	}

	// RunSummary is one line of the run list.
	RunSummary struct {
		RunID      string
		Matrix     string
		StartedAt  time.Time
		FinishedAt time.Time
		Passed     bool
		Counts     map[report.Verdict]int
	}
)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	dsn := path
	if path != MemoryPath {
		// busy_timeout is per connection, so it goes into the DSN
		dsn = "file:" + path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if path == MemoryPath {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records a finished report, replacing any earlier record of the same run.
func (s *Store) Save(ctx context.Context, r *report.RunReport) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"steps", "environments", "runs"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, r.RunID); err != nil {
			return fmt.Errorf("replace run: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, matrix, started_at, finished_at, include_optional, strict_optional, passed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Matrix, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.IncludeOptional, r.StrictOptional, r.Passed()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for pos, env := range r.Environments {
		details, jsonErr := json.Marshal(env.Details)
		if jsonErr != nil {
			return fmt.Errorf("encode details: %w", jsonErr)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO environments (run_id, position, name, runtime, image, fingerprint, verdict, reason, details, started_at, duration_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, pos, env.Name, string(env.Runtime), env.Image, env.Fingerprint, string(env.Verdict),
			env.Reason, string(details), formatTime(env.StartedAt), int64(env.Duration)); err != nil {
			return fmt.Errorf("insert environment %s: %w", env.Name, err)
		}
		for i, st := range env.Steps {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO steps (run_id, environment, position, phase, step_index, name, command, policy, status, exit_code, stdout, stderr, started_at, duration_ns, reason)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.RunID, env.Name, i, string(st.Phase), st.Index, st.Name, st.Command, string(st.Policy),
				string(st.Status), st.ExitCode, compress(st.Stdout), compress(st.Stderr),
				formatTime(st.StartedAt), int64(st.Duration), st.Reason); err != nil {
				return fmt.Errorf("insert step %s: %w", st.ID(), err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first. limit <= 0 lists all.
func (s *Store) List(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT r.run_id, r.matrix, r.started_at, r.finished_at, r.passed, e.verdict, COUNT(e.name)
		FROM runs r LEFT JOIN environments e ON e.run_id = r.run_id
		WHERE r.run_id IN (SELECT run_id FROM runs ORDER BY started_at DESC LIMIT ?)
		GROUP BY r.run_id, e.verdict
		ORDER BY r.started_at DESC, r.run_id`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var (
		out   []RunSummary
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			id, matrix, started, finished string
			passed                        bool
			verdict                       sql.NullString
			count                         int
		)
		if err := rows.Scan(&id, &matrix, &started, &finished, &passed, &verdict, &count); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, RunSummary{
				RunID:      id,
				Matrix:     matrix,
				StartedAt:  parseTime(started),
				FinishedAt: parseTime(finished),
				Passed:     passed,
				Counts:     map[report.Verdict]int{},
			})
		}
		if verdict.Valid {
			out[i].Counts[report.Verdict(verdict.String)] = count
		}
	}
	return out, rows.Err()
}

// Get loads a full report. runID may be a unique prefix of the ID.
func (s *Store) Get(ctx context.Context, runID string) (*report.RunReport, error) {
	id, err := s.resolveID(ctx, runID)
	if err != nil {
		return nil, err
	}

	r := &report.RunReport{RunID: id}
	var started, finished string
	err = s.db.QueryRowContext(ctx,
		`SELECT matrix, started_at, finished_at, include_optional, strict_optional FROM runs WHERE run_id = ?`, id).
		Scan(&r.Matrix, &started, &finished, &r.IncludeOptional, &r.StrictOptional)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	r.StartedAt, r.FinishedAt = parseTime(started), parseTime(finished)

	if r.Environments, err = s.environments(ctx, id); err != nil {
		return nil, err
	}
	for i := range r.Environments {
		if r.Environments[i].Steps, err = s.steps(ctx, id, r.Environments[i].Name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s *Store) resolveID(ctx context.Context, prefix string) (string, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs WHERE run_id LIKE ? ESCAPE '\' LIMIT 2`, escaped+"%")
	if err != nil {
		return "", fmt.Errorf("find run: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("find run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("find run: %w", err)
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, prefix)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("run id prefix %q is ambiguous", prefix)
	}
}

func (s *Store) environments(ctx context.Context, runID string) ([]report.EnvironmentReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, runtime, image, fingerprint, verdict, reason, details, started_at, duration_ns
		 FROM environments WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("load environments: %w", err)
	}
	defer rows.Close()

	var out []report.EnvironmentReport
	for rows.Next() {
		var (
			env              report.EnvironmentReport
			rt, verdict      string
			details, started string
			duration         int64
		)
		if err := rows.Scan(&env.Name, &rt, &env.Image, &env.Fingerprint, &verdict, &env.Reason, &details, &started, &duration); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		env.Runtime = matrixfile.RuntimeMode(rt)
		env.Verdict = report.Verdict(verdict)
		env.StartedAt = parseTime(started)
		env.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(details), &env.Details); err != nil {
			return nil, fmt.Errorf("decode details of %s: %w", env.Name, err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *Store) steps(ctx context.Context, runID, env string) ([]steprun.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase, step_index, name, command, policy, status, exit_code, stdout, stderr, started_at, duration_ns, reason
		 FROM steps WHERE run_id = ? AND environment = ? ORDER BY position`, runID, env)
	if err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", env, err)
	}
	defer rows.Close()

	var out []steprun.StepResult
	for rows.Next() {
		st := steprun.StepResult{Environment: env}
		var (
			phase, policy, status string
			stdout, stderr        []byte
			started               string
			duration              int64
		)
		if err := rows.Scan(&phase, &st.Index, &st.Name, &st.Command, &policy, &status, &st.ExitCode,
			&stdout, &stderr, &started, &duration, &st.Reason); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Phase = matrixfile.Phase(phase)
		st.Policy = matrixfile.FailurePolicy(policy)
		st.Status = steprun.Status(status)
		st.StartedAt = parseTime(started)
		st.Duration = time.Duration(duration)
		if st.Stdout, err = decompress(stdout); err != nil {
			return nil, err
		}
		if st.Stderr, err = decompress(stderr); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
