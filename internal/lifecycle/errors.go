package lifecycle

import (
	"errors"
	"fmt"

	"escrowflow/internal/model"
)

var ErrMilestoneNotFound = errors.New("milestone not found")

// AuthorizationError 调用者不是该动作要求的参与方，或连接的钱包与记录不一致
type AuthorizationError struct {
	Action model.Action
	UserID string
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized to %s: %s", e.Action, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// InvalidTransitionError 当前状态不允许该动作，里程碑不做任何修改
type InvalidTransitionError struct {
	Action model.Action
	From   model.Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s a milestone in status %s: %s", e.Action, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s a milestone in status %s", e.Action, e.From)
}

// GatewayError 交易构建或提交失败，链上与后端都没有变化
type GatewayError struct {
	Action model.Action
	Stage  string // request / submit
	Err    error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s transaction failed at %s: %v", e.Action, e.Stage, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PersistenceError 链上已经推进但状态没有写入后端
type PersistenceError struct {
	Action      model.Action
	MilestoneID string
	TxHash      string
	Queued      bool // 已进入对账队列，稍后自动补写
	Err         error
}

func (e *PersistenceError) Error() string {
	if e.Queued {
		return fmt.Sprintf("%s confirmed on-chain (tx %s) but not yet saved; queued for reconciliation: %v", e.Action, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s confirmed on-chain (tx %s) but failed to save: %v", e.Action, e.TxHash, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UnconfirmedError 交易已广播但没等到回执，状态写入交给对账，
// 对账确认交易成功后才会写入
type UnconfirmedError struct {
	Action      model.Action
	MilestoneID string
	TxHash      string
	Queued      bool
	Err         error
}

func (e *UnconfirmedError) Error() string {
	if e.Queued {
		return fmt.Sprintf("%s broadcast (tx %s) but not yet confirmed; queued for reconciliation: %v", e.Action, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s broadcast (tx %s) but not yet confirmed: %v", e.Action, e.TxHash, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// ConflictError 重复交付或该里程碑仍有待对账记录
type ConflictError struct {
	MilestoneID string
	Reason      string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

const (
	reasonDeliveryInProgress = "delivery already in progress"
	reasonAlreadyDelivered   = "milestone already delivered"
	reasonPendingReconcile   = "previous transaction is still being reconciled"
)

// Kind classifies an action error for metrics and HTTP mapping.
func Kind(err error) string {
	var (
		authErr     *AuthorizationError
		invalidErr  *InvalidTransitionError
		gatewayErr  *GatewayError
		persistErr  *PersistenceError
		unconfirmed *UnconfirmedError
		conflictErr *ConflictError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &authErr):
		return "authorization"
	case errors.As(err, &invalidErr):
		return "invalid_transition"
	case errors.As(err, &conflictErr):
		return "conflict"
	case errors.As(err, &unconfirmed):
		return "unconfirmed"
	case errors.As(err, &gatewayErr):
		return "gateway"
	case errors.As(err, &persistErr):
		return "persistence"
	case errors.Is(err, ErrMilestoneNotFound):
		return "not_found"
	}
	return "internal"
}
