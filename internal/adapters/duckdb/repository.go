package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/internal/core/ports"
	_ "github.com/marcboeker/go-duckdb"
)

// Repository persists jobs and budget cycles to DuckDB. The in-memory
// services stay canonical; this is the durable mirror.
type Repository struct {
	db *sql.DB
}

var _ ports.Repository = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id               VARCHAR PRIMARY KEY,
			agent_type       VARCHAR NOT NULL,
			action_type      VARCHAR NOT NULL,
			params           VARCHAR,
			status           VARCHAR NOT NULL,
			progress         INTEGER NOT NULL DEFAULT 0,
			step             VARCHAR,
			input_tokens     BIGINT NOT NULL DEFAULT 0,
			output_tokens    BIGINT NOT NULL DEFAULT 0,
			cost_micro_usd   BIGINT NOT NULL DEFAULT 0,
			output           VARCHAR,
			error_message    VARCHAR,
			retryable        BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			retried_from     VARCHAR,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMP NOT NULL,
			started_at       TIMESTAMP,
			completed_at     TIMESTAMP,
			last_progress_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS budget_cycles (
			id              VARCHAR PRIMARY KEY,
			period_start    TIMESTAMP NOT NULL,
			period_end      TIMESTAMP,
			total_micro_usd BIGINT NOT NULL,
			used_micro_usd  BIGINT NOT NULL,
			by_agent        VARCHAR,
			closed_at       TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	paramsJSON, _ := json.Marshal(job.Params)

	var retriedFrom *string
	if job.RetriedFrom != nil {
		s := string(*job.RetriedFrom)
		retriedFrom = &s
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, agent_type, action_type, params, status, progress, step,
		                  input_tokens, output_tokens, cost_micro_usd, output, error_message,
		                  retryable, retry_count, retried_from, cancel_requested,
		                  created_at, started_at, completed_at, last_progress_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status           = excluded.status,
			progress         = excluded.progress,
			step             = excluded.step,
			input_tokens     = excluded.input_tokens,
			output_tokens    = excluded.output_tokens,
			cost_micro_usd   = excluded.cost_micro_usd,
			output           = excluded.output,
			error_message    = excluded.error_message,
			retryable        = excluded.retryable,
			cancel_requested = excluded.cancel_requested,
			started_at       = excluded.started_at,
			completed_at     = excluded.completed_at,
			last_progress_at = excluded.last_progress_at`,
		string(job.ID),
		string(job.AgentType),
		string(job.ActionType),
		string(paramsJSON),
		string(job.Status),
		job.Progress,
		job.Step,
		job.Cost.InputTokens,
		job.Cost.OutputTokens,
		int64(job.Cost.Total),
		job.Output,
		job.ErrorMessage,
		job.Retryable,
		job.RetryCount,
		retriedFrom,
		job.CancelRequested,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.LastProgressAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, agent_type, action_type, params, status, progress, step,
	input_tokens, output_tokens, cost_micro_usd, output, error_message,
	retryable, retry_count, retried_from, cancel_requested,
	created_at, started_at, completed_at, last_progress_at`

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		job         domain.Job
		paramsJSON  sql.NullString
		step        sql.NullString
		output      sql.NullString
		errMsg      sql.NullString
		retriedFrom sql.NullString
		costMicro   int64
		startedAt   *time.Time
		completedAt *time.Time
	)

	err := row.Scan(
		&job.ID, &job.AgentType, &job.ActionType, &paramsJSON, &job.Status,
		&job.Progress, &step,
		&job.Cost.InputTokens, &job.Cost.OutputTokens, &costMicro,
		&output, &errMsg, &job.Retryable, &job.RetryCount, &retriedFrom,
		&job.CancelRequested, &job.CreatedAt, &startedAt, &completedAt, &job.LastProgressAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	job.Cost.Total = domain.MicroUSD(costMicro)
	job.Step = step.String
	job.ErrorMessage = errMsg.String
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	if output.Valid {
		job.Output = &output.String
	}
	if retriedFrom.Valid {
		from := domain.JobID(retriedFrom.String)
		job.RetriedFrom = &from
	}
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &job.Params)
	}
	return job, nil
}

func (r *Repository) SaveBudgetCycle(ctx context.Context, cycle domain.BudgetCycle) error {
	byAgentJSON, _ := json.Marshal(cycle.ByAgent)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budget_cycles (id, period_start, period_end, total_micro_usd,
		                           used_micro_usd, by_agent, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			used_micro_usd = excluded.used_micro_usd,
			by_agent       = excluded.by_agent,
			closed_at      = excluded.closed_at`,
		string(cycle.ID),
		cycle.PeriodStart,
		cycle.PeriodEnd,
		int64(cycle.Total),
		int64(cycle.Used),
		string(byAgentJSON),
		cycle.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save budget cycle %s: %w", cycle.ID, err)
	}
	return nil
}

func (r *Repository) ListBudgetCycles(ctx context.Context) ([]domain.BudgetCycle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, period_start, period_end, total_micro_usd, used_micro_usd, by_agent, closed_at
		FROM budget_cycles
		ORDER BY period_start ASC`)
	if err != nil {
		return nil, fmt.Errorf("list budget cycles: %w", err)
	}
	defer rows.Close()

	out := []domain.BudgetCycle{}
	for rows.Next() {
		var (
			c           domain.BudgetCycle
			total, used int64
			byAgentJSON sql.NullString
		)
		err := rows.Scan(&c.ID, &c.PeriodStart, &c.PeriodEnd, &total, &used, &byAgentJSON, &c.ClosedAt)
		if err != nil {
			return nil, err
		}
		c.Total = domain.MicroUSD(total)
		c.Used = domain.MicroUSD(used)
		c.ByAgent = make(map[domain.AgentType]domain.AgentSpend)
		if byAgentJSON.Valid && byAgentJSON.String != "" && byAgentJSON.String != "null" {
			_ = json.Unmarshal([]byte(byAgentJSON.String), &c.ByAgent)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
