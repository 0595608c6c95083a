package eventbus

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresReplayStore persists replay runs in the replay_runs table so a
// replay's progress survives the process that started it.
type PostgresReplayStore struct {
	db *sql.DB
}

func NewPostgresReplayStore(db *sql.DB) *PostgresReplayStore {
	return &PostgresReplayStore{db: db}
}

func (s *PostgresReplayStore) Save(ctx context.Context, run ReplayRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_runs (replay_id, consumer_group, topics, start_time, end_time, events_processed, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (replay_id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			events_processed = EXCLUDED.events_processed,
			status = EXCLUDED.status,
			error = EXCLUDED.error
	`, run.ReplayID, run.Group, pq.Array(run.Topics), run.StartTime, run.EndTime,
		run.EventsProcessed, run.Status, nullIfBlank(run.Error))
	if err != nil {
		return fmt.Errorf("eventbus: replay run save failed: %w", err)
	}
	return nil
}

func (s *PostgresReplayStore) Get(ctx context.Context, replayID string) (*ReplayRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT replay_id, consumer_group, topics, start_time, end_time, events_processed, status, error
		FROM replay_runs WHERE replay_id = $1
	`, replayID)
	run, err := scanReplayRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *PostgresReplayStore) List(ctx context.Context) ([]ReplayRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT replay_id, consumer_group, topics, start_time, end_time, events_processed, status, error
		FROM replay_runs ORDER BY start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("eventbus: replay run list failed: %w", err)
	}
	defer rows.Close()

	var out []ReplayRun
	for rows.Next() {
		run, err := scanReplayRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type replayScanner interface {
	Scan(dest ...any) error
}

func scanReplayRun(row replayScanner) (*ReplayRun, error) {
	var run ReplayRun
	var topics pq.StringArray
	var endTime sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(&run.ReplayID, &run.Group, &topics, &run.StartTime, &endTime,
		&run.EventsProcessed, &run.Status, &errMsg)
	if err != nil {
		return nil, err
	}
	run.Topics = []string(topics)
	if endTime.Valid {
		t := endTime.Time
		run.EndTime = &t
	}
	run.Error = errMsg.String
	return &run, nil
}

func nullIfBlank(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
