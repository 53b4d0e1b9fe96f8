package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	plan_name        TEXT NOT NULL,
	start_time       INTEGER NOT NULL,
	end_time         INTEGER NOT NULL,
	status           TEXT NOT NULL,
	phases_completed INTEGER NOT NULL,
	phase_count      INTEGER NOT NULL,
	max_hr_setting   INTEGER NOT NULL,
	duration_secs    INTEGER NOT NULL,
	avg_hr           INTEGER NOT NULL,
	max_hr           INTEGER NOT NULL,
	min_hr           INTEGER NOT NULL,
	time_in_zone     TEXT NOT NULL,
	samples          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_start_time ON sessions(start_time DESC);
CREATE TABLE IF NOT EXISTS checkpoint (
	slot    INTEGER PRIMARY KEY CHECK (slot = 1),
	payload TEXT NOT NULL
);
`

// SQLiteStore persists sessions in a single SQLite database
type SQLiteStore struct {
	sqlDB  *sql.DB
	logger *log.Logger
}

var (
	_ Store        = (*SQLiteStore)(nil)
	_ Checkpointer = (*SQLiteStore)(nil)
)

// DefaultSQLitePath returns ~/.heart-beat/sessions.db
func DefaultSQLitePath() string {
	return filepath.Join(filepath.Dir(DefaultDir()), "sessions.db")
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (creating if needed) a session database at path
func OpenSQLite(path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		panic("SQLiteStore: logger cannot be nil")
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Printf("SQLiteStore: opened %s", cleanPath)
	return &SQLiteStore{sqlDB: sqlDB, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, cs CompletedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cs.ID == "" {
		return fmt.Errorf("session id is required")
	}

	samples, err := json.Marshal(cs.HRSamples)
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	timeInZone, err := json.Marshal(cs.Summary.TimeInZone)
	if err != nil {
		return fmt.Errorf("marshal time in zone: %w", err)
	}

	res, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO sessions (
			id, plan_name, start_time, end_time, status, phases_completed, phase_count,
			max_hr_setting, duration_secs, avg_hr, max_hr, min_hr, time_in_zone, samples
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		cs.ID, cs.PlanName, toMillis(cs.StartTime), toMillis(cs.EndTime), string(cs.Status),
		cs.PhasesCompleted, cs.PhaseCount, cs.MaxHR, cs.Summary.DurationSecs,
		cs.Summary.AvgHR, cs.Summary.MaxHR, cs.Summary.MinHR, string(timeInZone), string(samples),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", cs.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session %s: %w", cs.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionExists, cs.ID)
	}
	s.logger.Printf("SQLiteStore: saved session %s", cs.ID)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]SummaryPreview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, plan_name, start_time, duration_secs, avg_hr, status
		FROM sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	previews := make([]SummaryPreview, 0)
	for rows.Next() {
		var (
			p         SummaryPreview
			startTime int64
			status    string
		)
		if err := rows.Scan(&p.ID, &p.PlanName, &startTime, &p.DurationSecs, &p.AvgHR, &status); err != nil {
			return nil, fmt.Errorf("scan session preview: %w", err)
		}
		p.StartTime = fromMillis(startTime)
		p.Status = Status(status)
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return previews, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (CompletedSession, error) {
	if err := ctx.Err(); err != nil {
		return CompletedSession{}, err
	}
	var (
		cs                  CompletedSession
		startTime, endTime  int64
		status              string
		timeInZone, samples string
	)
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, plan_name, start_time, end_time, status, phases_completed, phase_count,
			max_hr_setting, duration_secs, avg_hr, max_hr, min_hr, time_in_zone, samples
		FROM sessions WHERE id = ?`, id,
	).Scan(
		&cs.ID, &cs.PlanName, &startTime, &endTime, &status, &cs.PhasesCompleted, &cs.PhaseCount,
		&cs.MaxHR, &cs.Summary.DurationSecs, &cs.Summary.AvgHR, &cs.Summary.MaxHR, &cs.Summary.MinHR,
		&timeInZone, &samples,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CompletedSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return CompletedSession{}, fmt.Errorf("get session %s: %w", id, err)
	}

	cs.StartTime = fromMillis(startTime)
	cs.EndTime = fromMillis(endTime)
	cs.Status = Status(status)
	if err := json.Unmarshal([]byte(timeInZone), &cs.Summary.TimeInZone); err != nil {
		return CompletedSession{}, fmt.Errorf("decode time in zone of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(samples), &cs.HRSamples); err != nil {
		return CompletedSession{}, fmt.Errorf("decode samples of %s: %w", id, err)
	}
	return cs, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.logger.Printf("SQLiteStore: deleted session %s", id)
	return nil
}

func (s *SQLiteStore) Export(ctx context.Context, id string, format Format) ([]byte, error) {
	return exportFrom(ctx, s, id, format)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cs CompletedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO checkpoint (slot, payload) VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET payload = excluded.payload`, string(payload))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) (CompletedSession, bool, error) {
	if err := ctx.Err(); err != nil {
		return CompletedSession{}, false, err
	}
	var payload string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT payload FROM checkpoint WHERE slot = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return CompletedSession{}, false, nil
	}
	if err != nil {
		return CompletedSession{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	var cs CompletedSession
	if err := json.Unmarshal([]byte(payload), &cs); err != nil {
		return CompletedSession{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cs, true, nil
}

func (s *SQLiteStore) ClearCheckpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM checkpoint WHERE slot = 1`); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
