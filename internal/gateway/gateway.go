package gateway

import (
	"context"
	"errors"
	"io"

	"github.com/shopspring/decimal"

	"escrowflow/internal/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict 写入时记录已不处于期望的 from 状态
	ErrStatusConflict = errors.New("milestone status changed concurrently")
)

// TxDescriptor 交易构建后端返回的未签名交易
type TxDescriptor struct {
	To      string `json:"to"`
	Data    string `json:"data"`  // 0x 开头的 calldata
	Value   string `json:"value"` // wei，十进制或 0x 十六进制
	ChainID int64  `json:"chainId"`
	CID     string `json:"cid,omitempty"` // 只在 deliver 时返回
}

// Artifact is the deliverable uploaded with a Deliver request.
type Artifact struct {
	Name        string
	ContentType string
	Body        io.Reader
}

type TxRequest struct {
	Action      model.Action
	MilestoneID string
	ActorID     string
	ChainID     int64
	Artifact    *Artifact
}

// TxResult 已确认交易
type TxResult struct {
	Hash        string
	BlockNumber uint64
}

// TxBuilder builds unsigned transactions for milestone actions.
type TxBuilder interface {
	Request(ctx context.Context, req TxRequest) (*TxDescriptor, error)
}

// Wallet signs, broadcasts and waits for a transaction.
// A nil result with nil error is never returned.
// Once the transaction is broadcast, a failure to observe its receipt
// is reported as *UnconfirmedError carrying the hash.
type Wallet interface {
	Submit(ctx context.Context, from string, d TxDescriptor) (*TxResult, error)
}

// UnconfirmedError 交易已经广播，但没有拿到回执
type UnconfirmedError struct {
	Hash string
	Err  error
}

func (e *UnconfirmedError) Error() string {
	return "transaction " + e.Hash + " broadcast but not confirmed: " + e.Err.Error()
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxReverted  TxState = "reverted"
)

// Confirmer looks up the on-chain outcome of a broadcast transaction.
type Confirmer interface {
	TxState(ctx context.Context, hash string) (TxState, error)
}

// StatusUpdate 里程碑状态写入参数，From 用于乐观并发检查
type StatusUpdate struct {
	From   model.Status `json:"from"`
	Status model.Status `json:"status"`
	Escrow *string      `json:"escrow,omitempty"`
	IPFS   *string      `json:"ipfs,omitempty"`
	TxHash string       `json:"tx_hash"`
}

// Persistence is the backend record store for milestones and jobs.
type Persistence interface {
	GetMilestone(ctx context.Context, id string) (*model.Milestone, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*model.Milestone, error)
}

// FundsDelta 用户资金汇总的增量
type FundsDelta struct {
	Escrowed decimal.Decimal
	Earned   decimal.Decimal
	Spent    decimal.Decimal
}

// Bookkeeper keeps aggregate totals after Fund and Withdraw.
type Bookkeeper interface {
	GetJobApplicationByID(ctx context.Context, id string) (*model.JobApplication, error)
	UpdateUserFunds(ctx context.Context, userID string, delta FundsDelta) error
	IncreaseFund(ctx context.Context, applicationID string, amount decimal.Decimal) error
	IncreaseWithdraw(ctx context.Context, applicationID string, amount decimal.Decimal) error
	// CreateChainTx reports false when the tx hash was already recorded.
	CreateChainTx(ctx context.Context, tx *model.ChainTx) (bool, error)
}
