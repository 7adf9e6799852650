package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
)

const applicationColumns = `
	id, job_id, freelancer_id, freelancer_wallet, total_amount, token_symbol, status, created_at, updated_at`

// LedgerRepository 资金汇总和链上交易记账，实现 gateway.Bookkeeper
type LedgerRepository struct {
	db *pgxpool.Pool
}

func NewLedgerRepository(db *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) GetJobApplicationByID(ctx context.Context, id string) (*model.JobApplication, error) {
	var app *model.JobApplication
	err := traced(ctx, "select", "job_applications", func(ctx context.Context) error {
		var err error
		app, err = scanApplication(r.db.QueryRow(ctx, `SELECT `+applicationColumns+` FROM job_applications WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job application %s: %w", id, notFound(err))
	}
	return app, nil
}

// UpdateUserFunds 按增量累加用户资金汇总，首次出现的用户自动建行
func (r *LedgerRepository) UpdateUserFunds(ctx context.Context, userID string, delta gateway.FundsDelta) error {
	err := traced(ctx, "upsert", "user_funds", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO user_funds (user_id, escrowed, earned, spent)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE
			SET escrowed = user_funds.escrowed + EXCLUDED.escrowed,
			    earned = user_funds.earned + EXCLUDED.earned,
			    spent = user_funds.spent + EXCLUDED.spent,
			    updated_at = NOW()
		`, userID, delta.Escrowed, delta.Earned, delta.Spent)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update funds for user %s: %w", userID, err)
	}
	return nil
}

func (r *LedgerRepository) IncreaseFund(ctx context.Context, applicationID string, amount decimal.Decimal) error {
	return r.increase(ctx, "fund_total", applicationID, amount)
}

func (r *LedgerRepository) IncreaseWithdraw(ctx context.Context, applicationID string, amount decimal.Decimal) error {
	return r.increase(ctx, "withdraw_total", applicationID, amount)
}

// increase column 只会是上面两个常量
func (r *LedgerRepository) increase(ctx context.Context, column, applicationID string, amount decimal.Decimal) error {
	err := traced(ctx, "update", "job_applications", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx,
			`UPDATE job_applications SET `+column+` = `+column+` + $2, updated_at = NOW() WHERE id = $1`,
			applicationID, amount,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return gateway.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increase %s for application %s: %w", column, applicationID, err)
	}
	return nil
}

// CreateChainTx 同一 tx_hash 只记一次，重复时返回 false
func (r *LedgerRepository) CreateChainTx(ctx context.Context, tx *model.ChainTx) (bool, error) {
	var inserted bool
	err := traced(ctx, "insert", "chain_txs", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			INSERT INTO chain_txs (id, milestone_id, job_id, action, tx_hash, from_addr, to_addr, amount, token_symbol, chain_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (tx_hash) DO NOTHING
		`,
			tx.ID, tx.MilestoneID, tx.JobID, tx.Action, tx.TxHash,
			tx.From, tx.To, tx.Amount, tx.TokenSymbol, tx.ChainID, tx.CreatedAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record chain tx %s: %w", tx.TxHash, err)
	}
	return inserted, nil
}

func scanApplication(row pgx.Row) (*model.JobApplication, error) {
	var a model.JobApplication
	err := row.Scan(
		&a.ID,
		&a.JobID,
		&a.FreelancerID,
		&a.FreelancerWallet,
		&a.TotalAmount,
		&a.TokenSymbol,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
