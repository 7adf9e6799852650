// Package ledger 记录 Fund / Withdraw 之后的链上交易和资金汇总。
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
)

// Tx 一笔已确认、需要记账的交易
type Tx struct {
	Action    model.Action
	Milestone model.Milestone
	Job       model.Job
	From      string
	To        string
	Hash      string
	ChainID   int64
}

// Applies reports whether the action moves money and needs bookkeeping.
func Applies(a model.Action) bool {
	return a == model.ActionFund || a == model.ActionWithdraw
}

// Record 先按 tx_hash 落交易记录，已经记过的交易不再累加汇总，
// 同一笔交易被实时路径和对账重放都处理时只计一次。
// 失败只作为警告返回，不回滚状态。
func Record(ctx context.Context, books gateway.Bookkeeper, tx Tx, log *zap.Logger) []string {
	if books == nil || !Applies(tx.Action) {
		return nil
	}

	var warnings []string
	warn := func(step string, err error) {
		log.Warn("Bookkeeping failed", zap.String("step", step), zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("%s: %v", step, err))
	}

	ms, job := tx.Milestone, tx.Job
	amount := ms.Amount

	inserted, err := books.CreateChainTx(ctx, &model.ChainTx{
		ID:          uuid.NewString(),
		MilestoneID: ms.ID,
		JobID:       ms.JobID,
		Action:      tx.Action,
		TxHash:      tx.Hash,
		From:        tx.From,
		To:          tx.To,
		Amount:      amount,
		TokenSymbol: ms.TokenSymbol,
		ChainID:     tx.ChainID,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		warn("record chain transaction", err)
	} else if !inserted {
		log.Info("Chain transaction already recorded, totals unchanged", zap.String("tx_hash", tx.Hash))
		return nil
	}

	freelancerID := ms.FreelancerID
	var applicationID string
	if job.ApplicationID != "" {
		app, err := books.GetJobApplicationByID(ctx, job.ApplicationID)
		if err != nil {
			warn("load job application", err)
		} else {
			applicationID = app.ID
			if freelancerID == "" {
				freelancerID = app.FreelancerID
			}
		}
	}

	switch tx.Action {
	case model.ActionFund:
		if applicationID != "" {
			if err := books.IncreaseFund(ctx, applicationID, amount); err != nil {
				warn("increase application fund", err)
			}
		}
		if err := books.UpdateUserFunds(ctx, freelancerID, gateway.FundsDelta{Escrowed: amount}); err != nil {
			warn("update freelancer funds", err)
		}
	case model.ActionWithdraw:
		if applicationID != "" {
			if err := books.IncreaseWithdraw(ctx, applicationID, amount); err != nil {
				warn("increase application withdraw", err)
			}
		}
		if err := books.UpdateUserFunds(ctx, freelancerID, gateway.FundsDelta{Escrowed: amount.Neg(), Earned: amount}); err != nil {
			warn("update freelancer funds", err)
		}
		if err := books.UpdateUserFunds(ctx, job.ClientID, gateway.FundsDelta{Spent: amount}); err != nil {
			warn("update client funds", err)
		}
	}
	return warnings
}
