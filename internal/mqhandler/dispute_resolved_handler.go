package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "escrowflow/contracts/mq"
	"escrowflow/internal/lifecycle"
	"escrowflow/internal/model"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/mq"
	"escrowflow/pkg/util"
)

const disputeHandlerName = "dispute_resolved"

type resolver interface {
	Resolve(ctx context.Context, id string, actor lifecycle.Actor, resolution model.Resolution, txHash string) (*lifecycle.Outcome, error)
}

type deduper interface {
	AcquireOnce(ctx context.Context, handler, eventID string) bool
	Release(ctx context.Context, handler, eventID string)
}

type retryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type dlqPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// DisputeResolvedHandler 把仲裁者的链上裁决写回里程碑
type DisputeResolvedHandler struct {
	ctrl       resolver
	deduper    deduper
	retries    retryCounter
	dlq        dlqPublisher
	maxRetries int64
	logger     *zap.Logger
}

func NewDisputeResolvedHandler(
	ctrl resolver,
	deduper deduper,
	retries retryCounter,
	dlq dlqPublisher,
	maxRetries int64,
	logger *zap.Logger,
) *DisputeResolvedHandler {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &DisputeResolvedHandler{
		ctrl:       ctrl,
		deduper:    deduper,
		retries:    retries,
		dlq:        dlq,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Handle 返回 nil 表示 ack，mq.ErrDropMessage 表示已进 DLQ，其他错误让 consumer 重新入队
func (h *DisputeResolvedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.DisputeResolvedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return h.deadLetter(ctx, log, raw, fmt.Errorf("json_unmarshal_error: %w", err))
	}
	if err := validate(p); err != nil {
		return h.deadLetter(ctx, log, raw, err)
	}

	eventID := p.EventID
	if eventID == "" {
		eventID = p.TxHash
	}
	log = log.With(
		zap.String("event_id", eventID),
		zap.String("milestone_id", p.MilestoneID),
		zap.String("outcome", p.Outcome),
	)

	if !h.deduper.AcquireOnce(ctx, disputeHandlerName, eventID) {
		return nil
	}

	actor := lifecycle.Actor{Wallet: p.ArbiterWallet}
	_, err := h.ctrl.Resolve(ctx, p.MilestoneID, actor, model.Resolution(p.Outcome), p.TxHash)
	retryKey := util.FormatRetryKey(disputeHandlerName, eventID)

	switch lifecycle.Kind(err) {
	case "success":
		log.Info("Dispute resolution recorded")
		h.resetRetries(ctx, retryKey)
		return nil
	case "invalid_transition":
		// 通常是重复投递，里程碑已经是终态
		log.Info("Dispute resolution skipped", zap.Error(err))
		return nil
	case "persistence":
		var pe *lifecycle.PersistenceError
		if errors.As(err, &pe) && pe.Queued {
			log.Warn("Dispute resolution queued for reconciliation", zap.Error(err))
			return nil
		}
	case "authorization", "not_found":
		return h.deadLetter(ctx, log, raw, err)
	}

	// 可重试：释放去重锁，计数超过上限后进 DLQ
	h.deduper.Release(ctx, disputeHandlerName, eventID)
	count, cerr := h.retries.IncrementAndGet(ctx, retryKey)
	if cerr != nil {
		log.Warn("Failed to increment retry count, continuing anyway", zap.Error(cerr))
		count = 1
	}
	if count > h.maxRetries {
		h.resetRetries(ctx, retryKey)
		return h.deadLetter(ctx, log, raw, fmt.Errorf("max retries exceeded: %w", err))
	}
	log.Warn("Dispute resolution failed, will retry", zap.Int64("retry_count", count), zap.Error(err))
	return err
}

func (h *DisputeResolvedHandler) resetRetries(ctx context.Context, key string) {
	if err := h.retries.Reset(ctx, key); err != nil {
		h.logger.Warn("Failed to reset retry count", zap.String("key", key), zap.Error(err))
	}
}

func (h *DisputeResolvedHandler) deadLetter(ctx context.Context, log *zap.Logger, raw []byte, cause error) error {
	log.Error("Sending dispute resolution to DLQ", zap.Error(cause))
	if err := h.dlq.PublishToDLQ(ctx, mq.RoutingDisputeResolved, raw, cause.Error()); err != nil {
		// DLQ 不可用时重新入队，避免丢消息
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return mq.ErrDropMessage
}

func validate(p mqcontracts.DisputeResolvedPayload) error {
	switch {
	case p.MilestoneID == "":
		return errors.New("milestone_id is required")
	case p.TxHash == "":
		return errors.New("tx_hash is required")
	case p.ArbiterWallet == "":
		return errors.New("arbiter_wallet is required")
	case p.Outcome != string(model.ResolutionBuyer) && p.Outcome != string(model.ResolutionVendor):
		return fmt.Errorf("unknown outcome %q", p.Outcome)
	}
	return nil
}
