package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/model"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/mq"
)

// Notice 一次动作的结果提示
type Notice struct {
	Action      model.Action
	MilestoneID string
	JobID       string
	UserID      string
	OK          bool
	Kind        string
	Message     string
	Status      model.Status
	TxHash      string
}

type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// LogNotifier 只写日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(l *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: l}
}

func (n *LogNotifier) Notify(ctx context.Context, notice Notice) {
	l := logger.WithTrace(ctx, n.logger)
	fields := []zap.Field{
		zap.String("action", string(notice.Action)),
		zap.String("milestone_id", notice.MilestoneID),
		zap.String("user_id", notice.UserID),
		zap.String("kind", notice.Kind),
		zap.String("message", notice.Message),
	}
	if notice.TxHash != "" {
		fields = append(fields, zap.String("tx_hash", notice.TxHash))
	}
	if notice.OK {
		l.Info("Milestone action succeeded", fields...)
		return
	}
	l.Warn("Milestone action failed", fields...)
}

// MQNotifier 把提示发布到 milestone.notice，由通知渠道投递
type MQNotifier struct {
	publisher mq.EventPublisher
	logger    *zap.Logger
}

func NewMQNotifier(p mq.EventPublisher, l *zap.Logger) *MQNotifier {
	return &MQNotifier{publisher: p, logger: l}
}

func (n *MQNotifier) Notify(ctx context.Context, notice Notice) {
	payload := contractsmq.MilestoneNoticePayload{
		MilestoneID: notice.MilestoneID,
		JobID:       notice.JobID,
		UserID:      notice.UserID,
		Action:      string(notice.Action),
		OK:          notice.OK,
		Kind:        notice.Kind,
		Message:     notice.Message,
		Status:      string(notice.Status),
		TxHash:      notice.TxHash,
		CreatedAt:   time.Now(),
	}
	// 通知失败不影响动作结果
	if err := n.publisher.PublishWithContext(context.WithoutCancel(ctx), mq.RoutingMilestoneNotice, payload); err != nil {
		logger.WithTrace(ctx, n.logger).Warn("Failed to publish milestone notice",
			zap.String("milestone_id", notice.MilestoneID),
			zap.Error(err),
		)
	}
}

// Multi fans a notice out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, notice Notice) {
	for _, n := range m {
		n.Notify(ctx, notice)
	}
}
