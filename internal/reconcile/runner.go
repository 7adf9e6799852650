package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"escrowflow/internal/cache"
	"escrowflow/internal/gateway"
	"escrowflow/internal/ledger"
	"escrowflow/internal/model"
	"escrowflow/pkg/metrics"
)

// Writer 对账需要状态写入和重读，记账时还要读 job
type Writer interface {
	GetMilestone(ctx context.Context, id string) (*model.Milestone, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateStatus(ctx context.Context, id string, u gateway.StatusUpdate) (*model.Milestone, error)
}

// DeliveryGuard is the part of the delivery guard the runner settles.
type DeliveryGuard interface {
	Complete(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
}

var errTxPending = errors.New("transaction not yet confirmed")

type RunnerOption func(*Runner)

// WithBookkeeper records Fund and Withdraw totals after a replayed write.
func WithBookkeeper(books gateway.Bookkeeper, chainID int64) RunnerOption {
	return func(r *Runner) {
		r.books = books
		r.chainID = chainID
	}
}

// WithConfirmer checks receipts of entries broadcast without one.
func WithConfirmer(c gateway.Confirmer) RunnerOption {
	return func(r *Runner) { r.confirmer = c }
}

// WithGuard settles the delivery guard once a Deliver entry is resolved.
func WithGuard(g DeliveryGuard) RunnerOption {
	return func(r *Runner) { r.guard = g }
}

// Runner replays queued status updates whose transaction is on-chain.
type Runner struct {
	queue      Queue
	writer     Writer
	store      *cache.Store
	books      gateway.Bookkeeper
	confirmer  gateway.Confirmer
	guard      DeliveryGuard
	chainID    int64
	batchSize  int
	maxRetries int
	logger     *zap.Logger
}

func NewRunner(queue Queue, writer Writer, store *cache.Store, batchSize, maxRetries int, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	r := &Runner{
		queue:      queue,
		writer:     writer,
		store:      store,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce 处理一批到期记录，返回成功补写的数量
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.queue.Due(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load due entries: %w", err)
	}

	done := 0
	for _, e := range entries {
		if r.replay(ctx, e) {
			done++
		}
	}
	if len(entries) > 0 {
		r.logger.Info("Reconciliation batch finished", zap.Int("due", len(entries)), zap.Int("done", done))
	}
	return done, nil
}

func (r *Runner) replay(ctx context.Context, e Entry) bool {
	log := r.logger.With(
		zap.String("entry_id", e.ID),
		zap.String("milestone_id", e.MilestoneID),
		zap.String("tx_hash", e.Update.TxHash),
	)

	// 1. 没拿到回执的交易先确认链上结果
	if e.AwaitReceipt {
		if r.confirmer == nil {
			return r.retry(ctx, log, e, errors.New("no receipt confirmer configured"), r.maxRetries)
		}
		state, err := r.confirmer.TxState(ctx, e.Update.TxHash)
		if err != nil {
			return r.retry(ctx, log, e, err, r.maxRetries)
		}
		switch state {
		case gateway.TxPending:
			return r.retry(ctx, log, e, errTxPending, r.maxRetries)
		case gateway.TxReverted:
			// 链上没有推进，不写入状态，放开守卫让用户重新交付
			r.settleGuard(ctx, log, e, false)
			if merr := r.queue.MarkDone(ctx, e.ID); merr != nil {
				log.Error("Failed to mark reconciliation done", zap.Error(merr))
			}
			metrics.IncrementReconcileAttempt("reverted")
			log.Warn("Transaction reverted, nothing to reconcile")
			return false
		}
	}

	// 2. 补写状态
	m, err := r.writer.UpdateStatus(ctx, e.MilestoneID, e.Update)
	if errors.Is(err, gateway.ErrStatusConflict) {
		// 已经被其他路径写入同样结果也算完成
		if cur, gerr := r.writer.GetMilestone(ctx, e.MilestoneID); gerr == nil && cur.Status == e.Update.Status {
			m, err = cur, nil
		}
	}
	if err != nil {
		maxRetries := r.maxRetries
		if errors.Is(err, gateway.ErrStatusConflict) || errors.Is(err, gateway.ErrNotFound) {
			// 状态已被改成别的值或记录不存在，重放不会成功
			maxRetries = e.Attempts + 1
		}
		return r.retry(ctx, log, e, err, maxRetries)
	}

	// 3. 记账，同一 tx_hash 只计一次，重放安全
	if r.books != nil && ledger.Applies(e.Action) {
		job, jerr := r.writer.GetJob(ctx, e.JobID)
		if jerr != nil {
			return r.retry(ctx, log, e, fmt.Errorf("failed to load job for bookkeeping: %w", jerr), r.maxRetries)
		}
		ledger.Record(ctx, r.books, ledger.Tx{
			Action:    e.Action,
			Milestone: *m,
			Job:       *job,
			From:      e.From,
			To:        e.To,
			Hash:      e.Update.TxHash,
			ChainID:   r.chainID,
		}, log)
	}

	r.settleGuard(ctx, log, e, true)
	if merr := r.queue.MarkDone(ctx, e.ID); merr != nil {
		log.Error("Failed to mark reconciliation done", zap.Error(merr))
	}
	r.store.MergeMilestone(*m)
	metrics.IncrementReconcileAttempt("done")
	log.Info("Reconciled milestone status", zap.String("status", string(m.Status)))
	return true
}

func (r *Runner) retry(ctx context.Context, log *zap.Logger, e Entry, err error, maxRetries int) bool {
	attempts := e.Attempts + 1
	result := "retry"
	if attempts >= maxRetries {
		result = "failed"
		log.Error("Reconciliation gave up, manual repair needed", zap.Int("attempts", attempts), zap.Error(err))
	} else {
		log.Warn("Reconciliation attempt failed", zap.Int("attempts", attempts), zap.Error(err))
	}
	if merr := r.queue.MarkRetry(ctx, e.ID, attempts, err.Error(), maxRetries); merr != nil {
		log.Error("Failed to record reconciliation attempt", zap.Error(merr))
	}
	metrics.IncrementReconcileAttempt(result)
	return false
}

// settleGuard 交付写入后标记完成，交易回滚则复位
func (r *Runner) settleGuard(ctx context.Context, log *zap.Logger, e Entry, delivered bool) {
	if r.guard == nil || e.Action != model.ActionDeliver {
		return
	}
	var err error
	if delivered {
		err = r.guard.Complete(ctx, e.MilestoneID)
	} else {
		err = r.guard.Reset(ctx, e.MilestoneID)
	}
	if err != nil {
		log.Error("Failed to settle delivery guard", zap.Bool("delivered", delivered), zap.Error(err))
	}
}

// Scheduler 用 gocron 周期执行 RunOnce，上一轮没结束时跳过本轮
type Scheduler struct {
	s      gocron.Scheduler
	logger *zap.Logger
}

func NewScheduler(ctx context.Context, runner *Runner, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := runner.RunOnce(ctx); err != nil {
				logger.Error("Reconciliation run failed", zap.Error(err))
			}
		}),
		gocron.WithName("reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	return &Scheduler{s: s, logger: logger}, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("Starting reconciliation scheduler")
	s.s.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}
