package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "escrowflow/contracts/mq"
	"escrowflow/internal/cache"
	"escrowflow/internal/model"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/mq"
)

// MarketplaceHandler 把报价和申请流程发布的文档合并进本地缓存
type MarketplaceHandler struct {
	store  *cache.Store
	logger *zap.Logger
}

func NewMarketplaceHandler(store *cache.Store, logger *zap.Logger) *MarketplaceHandler {
	return &MarketplaceHandler{store: store, logger: logger}
}

func (h *MarketplaceHandler) HandleBidUpdated(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.BidUpdatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// 格式错误重试也不会成功
		logger.WithTrace(ctx, h.logger).Error("Failed to unmarshal bid payload", zap.Error(err))
		return fmt.Errorf("%w: %v", mq.ErrDropMessage, err)
	}

	merged := h.store.MergeBid(model.Bid{
		ID:           p.ID,
		JobID:        p.JobID,
		FreelancerID: p.FreelancerID,
		Amount:       p.Amount,
		TokenSymbol:  p.TokenSymbol,
		Status:       p.Status,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	})
	logger.WithTrace(ctx, h.logger).Debug("Bid merged",
		zap.String("bid_id", p.ID),
		zap.String("job_id", p.JobID),
		zap.Bool("merged", merged),
	)
	return nil
}

func (h *MarketplaceHandler) HandleApplicationUpdated(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.ApplicationUpdatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.WithTrace(ctx, h.logger).Error("Failed to unmarshal application payload", zap.Error(err))
		return fmt.Errorf("%w: %v", mq.ErrDropMessage, err)
	}

	merged := h.store.MergeApplication(model.JobApplication{
		ID:               p.ID,
		JobID:            p.JobID,
		FreelancerID:     p.FreelancerID,
		FreelancerWallet: p.FreelancerWallet,
		TotalAmount:      p.TotalAmount,
		TokenSymbol:      p.TokenSymbol,
		Status:           p.Status,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	})
	logger.WithTrace(ctx, h.logger).Debug("Application merged",
		zap.String("application_id", p.ID),
		zap.String("job_id", p.JobID),
		zap.Bool("merged", merged),
	)
	return nil
}
