package jobs

import (
	"context"
	"database/sql"
	"time"
)

// Fixed-width so that string order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	CountJobsByState(ctx context.Context) (map[State]int, error)
	UpdateJobState(ctx context.Context, id string, state State) error
	UpdateJobCounts(ctx context.Context, id string, framesSampled, assetsUploaded int) error
	CompleteJob(ctx context.Context, id, analysis string, dispatchStatus int) error
	FailJob(ctx context.Context, id string, stage State, errMsg string, dispatchStatus int) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const jobColumns = `id, record_id, video_path, prompt, state, failed_stage, error,
	frames_sampled, assets_uploaded, analysis, dispatch_status,
	created_at, updated_at, completed_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	if j.State == "" {
		j.State = StateReceived
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, record_id, video_path, prompt, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.RecordID, j.VideoPath, j.Prompt, string(j.State),
		j.CreatedAt.UTC().Format(timeLayout), j.UpdatedAt.UTC().Format(timeLayout))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) CountJobsByState(ctx context.Context) (map[State]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) UpdateJobState(ctx context.Context, id string, state State) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?
	`, string(state), nowString(), id)
	return err
}

func (r *SQLiteRepository) UpdateJobCounts(ctx context.Context, id string, framesSampled, assetsUploaded int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET frames_sampled = ?, assets_uploaded = ?, updated_at = ? WHERE id = ?
	`, framesSampled, assetsUploaded, nowString(), id)
	return err
}

func (r *SQLiteRepository) CompleteJob(ctx context.Context, id, analysis string, dispatchStatus int) error {
	now := nowString()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, analysis = ?, dispatch_status = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, string(StateCompleted), analysis, dispatchStatus, now, now, id)
	return err
}

func (r *SQLiteRepository) FailJob(ctx context.Context, id string, stage State, errMsg string, dispatchStatus int) error {
	now := nowString()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, failed_stage = ?, error = ?, dispatch_status = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, string(StateFailed), string(stage), errMsg, dispatchStatus, now, now, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var state, failedStage, createdAt, updatedAt string
	var completedAt sql.NullString

	err := s.Scan(&j.ID, &j.RecordID, &j.VideoPath, &j.Prompt, &state, &failedStage, &j.Error,
		&j.FramesSampled, &j.AssetsUploaded, &j.Analysis, &j.DispatchStatus,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	j.State = State(state)
	j.FailedStage = State(failedStage)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid && completedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			j.CompletedAt = &t
		}
	}
	return &j, nil
}

func nowString() string {
	return time.Now().UTC().Format(timeLayout)
}
