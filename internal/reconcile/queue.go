package reconcile

import (
	"context"
	"time"

	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
)

// Entry 链上已广播、后端尚未写入的一次状态变更。
// AwaitReceipt 为 true 时交易还没确认，重放前先查回执。
type Entry struct {
	ID           string
	MilestoneID  string
	JobID        string
	Action       model.Action
	Update       gateway.StatusUpdate
	From         string
	To           string
	AwaitReceipt bool
	Attempts     int
	LastError    string
	NextRunAt    time.Time
	CreatedAt    time.Time
}

// Queue stores reconciliation entries until their status update is persisted.
type Queue interface {
	Enqueue(ctx context.Context, e *Entry) error
	// HasPending reports whether the milestone has an entry not yet done or failed.
	HasPending(ctx context.Context, milestoneID string) (bool, error)
	Due(ctx context.Context, limit int) ([]Entry, error)
	MarkDone(ctx context.Context, id string) error
	// MarkRetry records a failed attempt; the entry is failed once attempts reach maxRetries.
	MarkRetry(ctx context.Context, id string, attempts int, lastErr string, maxRetries int) error
}
