package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowflow/internal/cache"
	"escrowflow/internal/gateway"
	"escrowflow/internal/ledger"
	"escrowflow/internal/model"
	"escrowflow/internal/notify"
	"escrowflow/internal/reconcile"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/util"
)

// Deps 控制器依赖的外部协作者，Bookkeeper 和 Queue 可以为空
type Deps struct {
	Store       *cache.Store
	Persistence gateway.Persistence
	Bookkeeper  gateway.Bookkeeper
	Builder     gateway.TxBuilder
	Wallet      gateway.Wallet
	Guard       Guard
	Queue       reconcile.Queue
	Notifier    notify.Notifier
}

type Option func(*Controller)

// WithChainID sets the chain id sent to the tx builder.
func WithChainID(id int64) Option {
	return func(c *Controller) { c.chainID = id }
}

// WithArbiter sets the wallet allowed to resolve disputes.
func WithArbiter(wallet string) Option {
	return func(c *Controller) { c.arbiter = wallet }
}

// WithInlineRetry bounds the synchronous persistence retry; 0 disables it.
func WithInlineRetry(maxElapsed time.Duration) Option {
	return func(c *Controller) { c.inlineRetry = maxElapsed }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller 驱动里程碑走完托管生命周期，保证链上、后端记录、本地缓存三者一致
type Controller struct {
	store    *cache.Store
	persist  gateway.Persistence
	books    gateway.Bookkeeper
	builder  gateway.TxBuilder
	wallet   gateway.Wallet
	guard    Guard
	queue    reconcile.Queue
	notifier notify.Notifier

	chainID     int64
	arbiter     string
	inlineRetry time.Duration
	logger      *zap.Logger
}

func NewController(d Deps, opts ...Option) *Controller {
	c := &Controller{
		store:    d.Store,
		persist:  d.Persistence,
		books:    d.Bookkeeper,
		builder:  d.Builder,
		wallet:   d.Wallet,
		guard:    d.Guard,
		queue:    d.Queue,
		notifier: d.Notifier,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.guard == nil {
		c.guard = NewMemoryGuard()
	}
	if c.notifier == nil {
		c.notifier = notify.NewLogNotifier(c.logger)
	}
	return c
}

// Outcome 成功动作的结果，Warnings 是记账失败等不影响状态的问题
type Outcome struct {
	Action    model.Action    `json:"action"`
	Milestone model.Milestone `json:"milestone"`
	TxHash    string          `json:"tx_hash"`
	Warnings  []string        `json:"warnings,omitempty"`
}

type request struct {
	action     model.Action
	id         string
	actor      Actor
	artifact   *gateway.Artifact
	resolution model.Resolution
	txHash     string // 仅 resolve：仲裁者已经上链的交易
}

func (c *Controller) Fund(ctx context.Context, id string, actor Actor) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionFund, id: id, actor: actor})
}

func (c *Controller) Cancel(ctx context.Context, id string, actor Actor) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionCancel, id: id, actor: actor})
}

// Deliver uploads the artifact through the tx builder and records its CID.
func (c *Controller) Deliver(ctx context.Context, id string, actor Actor, artifact gateway.Artifact) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionDeliver, id: id, actor: actor, artifact: &artifact})
}

func (c *Controller) Approve(ctx context.Context, id string, actor Actor) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionApprove, id: id, actor: actor})
}

func (c *Controller) Withdraw(ctx context.Context, id string, actor Actor) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionWithdraw, id: id, actor: actor})
}

func (c *Controller) Dispute(ctx context.Context, id string, actor Actor) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionDispute, id: id, actor: actor})
}

func (c *Controller) JoinDispute(ctx context.Context, id string, actor Actor) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionJoinDispute, id: id, actor: actor})
}

// Resolve records an arbiter decision that is already executed on-chain.
// No transaction is built or submitted.
func (c *Controller) Resolve(ctx context.Context, id string, actor Actor, resolution model.Resolution, txHash string) (*Outcome, error) {
	return c.run(ctx, request{action: model.ActionResolve, id: id, actor: actor, resolution: resolution, txHash: txHash})
}

func (c *Controller) run(ctx context.Context, req request) (out *Outcome, err error) {
	ctx, span := otel.StartSpan(ctx, "milestone."+string(req.action),
		trace.WithAttributes(
			attribute.String("milestone.id", req.id),
			attribute.String("actor.id", req.actor.UserID),
		),
	)
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("action", string(req.action)),
		zap.String("milestone_id", req.id),
		zap.String("user_id", req.actor.UserID),
	)

	var jobID string
	defer func() {
		kind := Kind(err)
		metrics.IncrementMilestoneAction(string(req.action), kind)
		otel.EndSpan(span, err)

		notice := notify.Notice{
			Action:      req.action,
			MilestoneID: req.id,
			JobID:       jobID,
			UserID:      req.actor.UserID,
			OK:          err == nil,
			Kind:        kind,
		}
		if err != nil {
			notice.Message = err.Error()
			var pe *PersistenceError
			var ue *UnconfirmedError
			if errors.As(err, &pe) {
				notice.TxHash = pe.TxHash
			} else if errors.As(err, &ue) {
				notice.TxHash = ue.TxHash
			}
			log.Warn("Milestone action failed", zap.String("kind", kind), zap.Error(err))
		} else {
			notice.Message = SuccessMessage(req.action, out.Milestone.Status)
			notice.Status = out.Milestone.Status
			notice.TxHash = out.TxHash
		}
		c.notifier.Notify(ctx, notice)
	}()

	// 1. 读取记录，校验参与方和状态
	ms, job, err := c.load(ctx, req.id)
	if err != nil {
		return nil, err
	}
	jobID = job.ID

	role, err := assertActor(req.action, ms, job, req.actor, c.arbiter)
	if err != nil {
		return nil, err
	}

	target, ok := model.Target(req.action, ms.Status, role, req.resolution)
	if !ok {
		return nil, &InvalidTransitionError{Action: req.action, From: ms.Status}
	}
	if requiresEscrow(req.action) && !ms.HasEscrow() {
		return nil, &InvalidTransitionError{Action: req.action, From: ms.Status, Reason: "escrow address is not recorded"}
	}

	if c.queue != nil {
		pending, qerr := c.queue.HasPending(ctx, ms.ID)
		if qerr != nil {
			return nil, fmt.Errorf("failed to check reconciliation queue: %w", qerr)
		}
		if pending {
			return nil, &ConflictError{MilestoneID: ms.ID, Reason: reasonPendingReconcile}
		}
	}

	if req.action == model.ActionResolve {
		return c.resolve(ctx, log, ms, target, req)
	}

	// 交易一旦广播，守卫就交给对账处理，不能在这里重置
	broadcast := false
	if req.action == model.ActionDeliver {
		if req.artifact == nil || req.artifact.Body == nil {
			return nil, &InvalidTransitionError{Action: req.action, From: ms.Status, Reason: "deliverable is required"}
		}
		if err := c.guard.Begin(ctx, ms.ID); err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				metrics.IncrementDeliveryConflict()
			}
			return nil, err
		}
		delivered := false
		defer func() {
			if delivered {
				return
			}
			if broadcast {
				log.Warn("Delivery guard kept until reconciliation")
				return
			}
			if rerr := c.guard.Reset(context.WithoutCancel(ctx), ms.ID); rerr != nil {
				log.Error("Failed to reset delivery guard", zap.Error(rerr))
			}
		}()
		defer func() {
			// 只有写入成功才算交付完成
			if err == nil {
				if cerr := c.guard.Complete(context.WithoutCancel(ctx), ms.ID); cerr != nil {
					log.Error("Failed to complete delivery guard", zap.Error(cerr))
					return
				}
				delivered = true
			}
		}()
	}

	// 2. 构建交易
	desc, err := c.request(ctx, req, ms)
	if err != nil {
		return nil, err
	}

	from := req.actor.Wallet
	update := gateway.StatusUpdate{From: ms.Status, Status: target}
	if req.action == model.ActionFund && !ms.HasEscrow() {
		escrow := desc.To
		update.Escrow = &escrow
	}
	if req.action == model.ActionDeliver {
		ipfs := desc.CID
		update.IPFS = &ipfs
	}
	tx := txRef{from: from, to: desc.To}

	// 3. 签名广播并等待回执
	res, err := c.submit(ctx, req.action, from, *desc)
	if err != nil {
		var unconfirmed *gateway.UnconfirmedError
		if errors.As(err, &unconfirmed) {
			broadcast = true
			update.TxHash = unconfirmed.Hash
			return nil, c.awaitReceipt(context.WithoutCancel(ctx), log, ms, req.action, update, tx, unconfirmed)
		}
		return nil, err
	}
	broadcast = true
	update.TxHash = res.Hash
	log = log.With(zap.String("tx_hash", res.Hash))
	log.Info("Transaction confirmed")

	// 4. 写入后端，链上已经推进，不再响应请求取消
	pctx := context.WithoutCancel(ctx)
	updated, err := c.save(pctx, log, ms, req.action, update, tx)
	if err != nil {
		return nil, err
	}

	warnings := ledger.Record(pctx, c.books, ledger.Tx{
		Action:    req.action,
		Milestone: *updated,
		Job:       job,
		From:      from,
		To:        desc.To,
		Hash:      res.Hash,
		ChainID:   c.chainID,
	}, log)

	// 5. 合并到本地缓存
	c.store.MergeMilestone(*updated)

	return &Outcome{Action: req.action, Milestone: *updated, TxHash: res.Hash, Warnings: warnings}, nil
}

// txRef 记账和对账需要的交易两端地址
type txRef struct {
	from string
	to   string
}

func (c *Controller) resolve(ctx context.Context, log *zap.Logger, ms model.Milestone, target model.Status, req request) (*Outcome, error) {
	if req.txHash == "" {
		return nil, &InvalidTransitionError{Action: req.action, From: ms.Status, Reason: "resolution tx hash is required"}
	}
	update := gateway.StatusUpdate{From: ms.Status, Status: target, TxHash: req.txHash}
	updated, err := c.save(context.WithoutCancel(ctx), log.With(zap.String("tx_hash", req.txHash)), ms, req.action, update, txRef{from: req.actor.Wallet})
	if err != nil {
		return nil, err
	}
	c.store.MergeMilestone(*updated)
	return &Outcome{Action: req.action, Milestone: *updated, TxHash: req.txHash}, nil
}

// load 优先读缓存，缓存没有再读后端
func (c *Controller) load(ctx context.Context, id string) (model.Milestone, model.Job, error) {
	if ms, ok := c.store.Milestone(id); ok {
		if job, ok := c.store.Job(ms.JobID); ok {
			return ms, job, nil
		}
	}

	ms, err := c.persist.GetMilestone(ctx, id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return model.Milestone{}, model.Job{}, fmt.Errorf("%w: %s", ErrMilestoneNotFound, id)
		}
		return model.Milestone{}, model.Job{}, fmt.Errorf("failed to load milestone: %w", err)
	}
	job, err := c.persist.GetJob(ctx, ms.JobID)
	if err != nil {
		return model.Milestone{}, model.Job{}, fmt.Errorf("failed to load job %s: %w", ms.JobID, err)
	}
	return *ms, *job, nil
}

func (c *Controller) request(ctx context.Context, req request, ms model.Milestone) (*gateway.TxDescriptor, error) {
	ctx, span := otel.StartSpan(ctx, "tx.request")
	desc, err := c.builder.Request(ctx, gateway.TxRequest{
		Action:      req.action,
		MilestoneID: ms.ID,
		ActorID:     req.actor.UserID,
		ChainID:     c.chainID,
		Artifact:    req.artifact,
	})
	if err == nil && req.action == model.ActionDeliver {
		if _, cerr := cid.Decode(desc.CID); cerr != nil {
			err = fmt.Errorf("tx builder returned invalid content id %q: %w", desc.CID, cerr)
		}
	}
	otel.EndSpan(span, err)

	if err != nil {
		return nil, &GatewayError{Action: req.action, Stage: "request", Err: err}
	}
	return desc, nil
}

func (c *Controller) submit(ctx context.Context, action model.Action, from string, desc gateway.TxDescriptor) (*gateway.TxResult, error) {
	ctx, span := otel.StartSpan(ctx, "wallet.submit")
	res, err := c.wallet.Submit(ctx, from, desc)
	if err == nil && (res == nil || res.Hash == "") {
		err = errors.New("wallet returned no transaction hash")
	}
	otel.EndSpan(span, err)

	if err != nil {
		var unconfirmed *gateway.UnconfirmedError
		if errors.As(err, &unconfirmed) {
			return nil, unconfirmed
		}
		return nil, &GatewayError{Action: action, Stage: "submit", Err: err}
	}
	return res, nil
}

// awaitReceipt 交易已广播但结果未知，入队等对账确认回执后再写入
func (c *Controller) awaitReceipt(ctx context.Context, log *zap.Logger, ms model.Milestone, action model.Action, u gateway.StatusUpdate, tx txRef, cause *gateway.UnconfirmedError) error {
	queued := c.enqueue(ctx, log, ms, action, u, tx, true, cause)
	metrics.IncrementPersistenceGap(string(action), queued)
	log.Error("Transaction broadcast without receipt",
		zap.String("tx_hash", u.TxHash),
		zap.Bool("queued", queued),
		zap.Error(cause.Err),
	)
	return &UnconfirmedError{Action: action, MilestoneID: ms.ID, TxHash: u.TxHash, Queued: queued, Err: cause.Err}
}

// save 写入新状态，瞬时错误先同步重试，仍失败则进入对账队列
func (c *Controller) save(ctx context.Context, log *zap.Logger, ms model.Milestone, action model.Action, u gateway.StatusUpdate, tx txRef) (*model.Milestone, error) {
	ctx, span := otel.StartSpan(ctx, "persistence.update_status")

	var updated *model.Milestone
	op := func() error {
		m, err := c.persist.UpdateStatus(ctx, ms.ID, u)
		if err == nil {
			updated = m
			return nil
		}
		if errors.Is(err, gateway.ErrStatusConflict) {
			// 另一个请求已经写入了同样的结果
			if cur, gerr := c.persist.GetMilestone(ctx, ms.ID); gerr == nil && cur.Status == u.Status {
				updated = cur
				return nil
			}
			return backoff.Permanent(err)
		}
		if retryable, _ := util.IsRetryableError(err); !retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.inlineRetry > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 100 * time.Millisecond
		eb.MaxElapsedTime = c.inlineRetry
		b = eb
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	otel.EndSpan(span, err)
	if err == nil {
		return updated, nil
	}

	queued := c.enqueue(ctx, log, ms, action, u, tx, false, err)
	metrics.IncrementPersistenceGap(string(action), queued)
	log.Error("Status update failed after confirmed transaction",
		zap.String("target", string(u.Status)),
		zap.Bool("queued", queued),
		zap.Error(err),
	)
	return nil, &PersistenceError{Action: action, MilestoneID: ms.ID, TxHash: u.TxHash, Queued: queued, Err: err}
}

func (c *Controller) enqueue(ctx context.Context, log *zap.Logger, ms model.Milestone, action model.Action, u gateway.StatusUpdate, tx txRef, awaitReceipt bool, cause error) bool {
	if c.queue == nil {
		return false
	}
	now := time.Now()
	entry := &reconcile.Entry{
		ID:           uuid.NewString(),
		MilestoneID:  ms.ID,
		JobID:        ms.JobID,
		Action:       action,
		Update:       u,
		From:         tx.from,
		To:           tx.to,
		AwaitReceipt: awaitReceipt,
		LastError:    cause.Error(),
		NextRunAt:    now,
		CreatedAt:    now,
	}
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		log.Error("Failed to enqueue reconciliation entry", zap.Error(err))
		return false
	}
	return true
}

func requiresEscrow(a model.Action) bool {
	switch a {
	case model.ActionDeliver, model.ActionApprove, model.ActionWithdraw:
		return true
	}
	return false
}

// SuccessMessage is the user-facing text for a successful action.
func SuccessMessage(a model.Action, s model.Status) string {
	switch a {
	case model.ActionFund:
		return "Milestone funded"
	case model.ActionCancel:
		return "Milestone cancelled"
	case model.ActionDeliver:
		return "Work delivered"
	case model.ActionApprove:
		return "Delivery approved"
	case model.ActionWithdraw:
		return "Payment released"
	case model.ActionDispute:
		return "Dispute opened"
	case model.ActionJoinDispute:
		return "Joined dispute"
	case model.ActionResolve:
		return "Dispute resolved: " + string(s)
	}
	return "Done"
}
