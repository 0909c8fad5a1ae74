package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/id"
	_ "github.com/lib/pq"
)

const jobColumns = `id, user_id, status, input_scenario, current_outputs, error_message, created_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping postgres", err)
	}

	return &PostgresJobStore{db: db}, nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return classify("ping postgres", s.db.PingContext(ctx))
}

func (s *PostgresJobStore) Create(ctx context.Context, in domain.NewJob, now time.Time) (domain.Job, error) {
	scenarioJSON, err := json.Marshal(in.InputScenario)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal input scenario: %w", err)
	}
	now = now.UTC().Truncate(time.Microsecond)

	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO video_jobs (user_id, status, input_scenario, current_outputs, created_at, updated_at)
		 VALUES ($1, $2, $3, '{}'::jsonb, $4, $4)
		 RETURNING `+jobColumns,
		nullString(in.OwnerID),
		string(in.Status),
		scenarioJSON,
		now,
	)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, classify("insert job", err)
	}
	return job, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, jobID string, scope Scope) (domain.Job, error) {
	if !id.Valid(jobID) {
		return domain.Job{}, fmt.Errorf("query job %s: %w", jobID, domain.ErrNotFound)
	}

	args := []any{jobID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM video_jobs
		 WHERE id = $1 AND `+scope.predicate(arg),
		args...,
	)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, classify("query job "+jobID, err)
	}
	return job, nil
}

func (s *PostgresJobStore) Update(ctx context.Context, jobID string, scope Scope, update domain.JobUpdate, now time.Time) (domain.Job, error) {
	if err := update.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	if !id.Valid(jobID) {
		return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, domain.ErrNotFound)
	}

	var (
		sets []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Status != nil {
		sets = append(sets, "status = "+arg(string(*update.Status)))
	}
	if update.Outputs != nil {
		outputsJSON, err := json.Marshal(update.Outputs)
		if err != nil {
			return domain.Job{}, fmt.Errorf("marshal job outputs: %w", err)
		}
		sets = append(sets, "current_outputs = "+arg(outputsJSON))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*update.ErrorMessage))
	} else if update.ClearErrorMessage {
		sets = append(sets, "error_message = NULL")
	}
	sets = append(sets, fmt.Sprintf(
		"updated_at = GREATEST(%s, updated_at + interval '1 microsecond')",
		arg(now.UTC().Truncate(time.Microsecond)),
	))

	query := `UPDATE video_jobs
		 SET ` + strings.Join(sets, ", ") + `
		 WHERE id = ` + arg(jobID) + ` AND ` + scope.predicate(arg) + `
		 RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Job{}, classify("update job "+jobID, err)
	}
	return job, nil
}

func (s *PostgresJobStore) List(ctx context.Context, scope Scope) ([]domain.Job, error) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	query := `SELECT ` + jobColumns + `
		 FROM video_jobs
		 WHERE ` + scope.predicate(arg) + `
		 ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list jobs", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job          domain.Job
		ownerID      sql.NullString
		status       string
		scenarioJSON []byte
		outputsJSON  []byte
		errorMessage sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&ownerID,
		&status,
		&scenarioJSON,
		&outputsJSON,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.Status(status)
	if ownerID.Valid {
		job.OwnerID = &ownerID.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if err := json.Unmarshal(scenarioJSON, &job.InputScenario); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal input scenario: %w", err)
	}
	if err := json.Unmarshal(outputsJSON, &job.CurrentOutputs); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job outputs: %w", err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
