package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/internal/reconcile"
)

// ReconcileRepository Postgres 版对账队列，实现 reconcile.Queue
type ReconcileRepository struct {
	db *pgxpool.Pool
}

func NewReconcileRepository(db *pgxpool.Pool) *ReconcileRepository {
	return &ReconcileRepository{db: db}
}

func (r *ReconcileRepository) Enqueue(ctx context.Context, e *reconcile.Entry) error {
	err := traced(ctx, "insert", "reconcile_entries", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO reconcile_entries
				(id, milestone_id, job_id, action, from_status, to_status, escrow, ipfs, tx_hash,
				 tx_from, tx_to, await_receipt, attempts, last_error, status, next_run_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 'pending', $15, $16)
		`,
			e.ID, e.MilestoneID, e.JobID, e.Action, e.Update.From, e.Update.Status,
			e.Update.Escrow, e.Update.IPFS, e.Update.TxHash,
			e.From, e.To, e.AwaitReceipt,
			e.Attempts, e.LastError, e.NextRunAt, e.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue reconciliation for milestone %s: %w", e.MilestoneID, err)
	}
	return nil
}

func (r *ReconcileRepository) HasPending(ctx context.Context, milestoneID string) (bool, error) {
	var pending bool
	err := traced(ctx, "select", "reconcile_entries", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM reconcile_entries WHERE milestone_id = $1 AND status = 'pending')
		`, milestoneID).Scan(&pending)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check pending reconciliation: %w", err)
	}
	return pending, nil
}

// Due 返回到期的待处理记录，先入先出
func (r *ReconcileRepository) Due(ctx context.Context, limit int) ([]reconcile.Entry, error) {
	var entries []reconcile.Entry
	err := traced(ctx, "select", "reconcile_entries", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT id, milestone_id, job_id, action, from_status, to_status, escrow, ipfs, tx_hash,
			       tx_from, tx_to, await_receipt, attempts, last_error, next_run_at, created_at
			FROM reconcile_entries
			WHERE status = 'pending' AND next_run_at <= NOW()
			ORDER BY created_at
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		entries, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (reconcile.Entry, error) {
			var e reconcile.Entry
			err := row.Scan(
				&e.ID, &e.MilestoneID, &e.JobID, &e.Action,
				&e.Update.From, &e.Update.Status, &e.Update.Escrow, &e.Update.IPFS, &e.Update.TxHash,
				&e.From, &e.To, &e.AwaitReceipt, &e.Attempts, &e.LastError, &e.NextRunAt, &e.CreatedAt,
			)
			return e, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load due reconciliation entries: %w", err)
	}
	return entries, nil
}

func (r *ReconcileRepository) MarkDone(ctx context.Context, id string) error {
	err := traced(ctx, "update", "reconcile_entries", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `UPDATE reconcile_entries SET status = 'done', updated_at = NOW() WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark reconciliation %s done: %w", id, err)
	}
	return nil
}

// MarkRetry 达到 maxRetries 后置为 failed，需要人工处理；否则按次数线性退避
func (r *ReconcileRepository) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, maxRetries int) error {
	status := "pending"
	if attempts >= maxRetries {
		status = "failed"
	}
	next := time.Now().Add(time.Duration(attempts) * 30 * time.Second)

	err := traced(ctx, "update", "reconcile_entries", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			UPDATE reconcile_entries
			SET attempts = $2, last_error = $3, status = $4, next_run_at = $5, updated_at = NOW()
			WHERE id = $1
		`, id, attempts, lastErr, status, next)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark reconciliation %s for retry: %w", id, err)
	}
	return nil
}
