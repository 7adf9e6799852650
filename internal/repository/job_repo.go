package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/internal/model"
)

const jobColumns = `id, title, client_id, client_wallet, COALESCE(application_id, ''), status, created_at, updated_at`

type JobRepository struct {
	db *pgxpool.Pool
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := traced(ctx, "select", "jobs", func(ctx context.Context) error {
		return scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id), &job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, notFound(err))
	}

	jobs := []model.Job{job}
	if err := r.attachChildren(ctx, jobs, []string{id}); err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

// ListJobs 加载全部任务及子记录，用于启动时填充本地缓存
func (r *JobRepository) ListJobs(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := traced(ctx, "select", "jobs", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
		if err != nil {
			return err
		}
		jobs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Job, error) {
			var j model.Job
			err := scanJob(row, &j)
			return j, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if err := r.attachChildren(ctx, jobs, ids); err != nil {
		return nil, err
	}
	return jobs, nil
}

// attachChildren 一次查询取出所有子记录再按 job_id 分组，避免 N+1
func (r *JobRepository) attachChildren(ctx context.Context, jobs []model.Job, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		index[j.ID] = i
	}

	err := traced(ctx, "select", "milestones", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE job_id = ANY($1) ORDER BY order_index, id`, ids)
		if err != nil {
			return err
		}
		ms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Milestone, error) {
			m, err := scanMilestone(row)
			if err != nil {
				return model.Milestone{}, err
			}
			return *m, nil
		})
		if err != nil {
			return err
		}
		for _, m := range ms {
			if i, ok := index[m.JobID]; ok {
				jobs[i].Milestones = append(jobs[i].Milestones, m)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load milestones: %w", err)
	}

	err = traced(ctx, "select", "bids", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT id, job_id, freelancer_id, amount, token_symbol, status, created_at, updated_at
			FROM bids WHERE job_id = ANY($1) ORDER BY created_at, id`, ids)
		if err != nil {
			return err
		}
		bids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Bid, error) {
			var b model.Bid
			err := row.Scan(&b.ID, &b.JobID, &b.FreelancerID, &b.Amount, &b.TokenSymbol, &b.Status, &b.CreatedAt, &b.UpdatedAt)
			return b, err
		})
		if err != nil {
			return err
		}
		for _, b := range bids {
			if i, ok := index[b.JobID]; ok {
				jobs[i].Bids = append(jobs[i].Bids, b)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load bids: %w", err)
	}

	err = traced(ctx, "select", "job_applications", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT `+applicationColumns+` FROM job_applications WHERE job_id = ANY($1) ORDER BY created_at, id`, ids)
		if err != nil {
			return err
		}
		apps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.JobApplication, error) {
			a, err := scanApplication(row)
			if err != nil {
				return model.JobApplication{}, err
			}
			return *a, nil
		})
		if err != nil {
			return err
		}
		for _, a := range apps {
			if i, ok := index[a.JobID]; ok {
				jobs[i].Applications = append(jobs[i].Applications, a)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load applications: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row, j *model.Job) error {
	return row.Scan(
		&j.ID,
		&j.Title,
		&j.ClientID,
		&j.ClientWallet,
		&j.ApplicationID,
		&j.Status,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
}
