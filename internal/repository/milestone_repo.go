package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mqcontracts "escrowflow/contracts/mq"
	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
	"escrowflow/pkg/mq"
	"escrowflow/pkg/outbox"
)

const milestoneColumns = `
	id, job_id, title, order_index, status, amount, token_symbol, escrow, ipfs,
	freelancer_id, freelancer_wallet, last_tx_hash, due_at, created_at, updated_at`

// MilestoneRepository 里程碑读写，实现 gateway.Persistence
type MilestoneRepository struct {
	db   *pgxpool.Pool
	jobs *JobRepository
}

func NewMilestoneRepository(db *pgxpool.Pool, jobs *JobRepository) *MilestoneRepository {
	return &MilestoneRepository{db: db, jobs: jobs}
}

func (r *MilestoneRepository) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	var m *model.Milestone
	err := traced(ctx, "select", "milestones", func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
		var err error
		m, err = scanMilestone(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get milestone %s: %w", id, notFound(err))
	}
	return m, nil
}

// GetJob returns the job with its milestones, bids and applications.
func (r *MilestoneRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return r.jobs.GetJob(ctx, id)
}

// UpdateStatus 条件更新：只有当前状态等于 u.From 才写入；escrow/ipfs 已有值时不覆盖。
// 同一事务里写 outbox 事件 milestone.status_changed。
func (r *MilestoneRepository) UpdateStatus(ctx context.Context, id string, u gateway.StatusUpdate) (*model.Milestone, error) {
	var updated *model.Milestone
	err := traced(ctx, "update", "milestones", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				UPDATE milestones
				SET status = $3,
				    escrow = COALESCE(escrow, $4),
				    ipfs = COALESCE(ipfs, $5),
				    last_tx_hash = $6,
				    updated_at = NOW()
				WHERE id = $1 AND status = $2
				RETURNING `+milestoneColumns,
				id, u.From, u.Status, u.Escrow, u.IPFS, u.TxHash,
			)
			m, err := scanMilestone(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return r.missOrConflict(ctx, tx, id)
			}
			if err != nil {
				return err
			}
			updated = m

			payload := statusChangedPayload(*m, u.From, time.Now())
			return outbox.InsertEventInTx(ctx, tx, "milestone", m.ID, mq.RoutingMilestoneStatusChanged, payload)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update milestone %s to %s: %w", id, u.Status, err)
	}
	return updated, nil
}

// missOrConflict 条件更新没有命中时区分记录不存在和状态已变化
func (r *MilestoneRepository) missOrConflict(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM milestones WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return gateway.ErrNotFound
	}
	return gateway.ErrStatusConflict
}

func statusChangedPayload(m model.Milestone, from model.Status, at time.Time) mqcontracts.MilestoneStatusChangedPayload {
	return mqcontracts.MilestoneStatusChangedPayload{
		MilestoneID: m.ID,
		JobID:       m.JobID,
		From:        string(from),
		To:          string(m.Status),
		Step:        model.StepIndex(m.Status),
		TxHash:      m.LastTxHash,
		Escrow:      m.Escrow,
		IPFS:        m.IPFS,
		ChangedAt:   at,
	}
}

func scanMilestone(row pgx.Row) (*model.Milestone, error) {
	var m model.Milestone
	err := row.Scan(
		&m.ID,
		&m.JobID,
		&m.Title,
		&m.OrderIndex,
		&m.Status,
		&m.Amount,
		&m.TokenSymbol,
		&m.Escrow,
		&m.IPFS,
		&m.FreelancerID,
		&m.FreelancerWallet,
		&m.LastTxHash,
		&m.DueAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
