package lifecycle

import (
	"context"
	"sync"
)

// DeliveryState 交付守卫状态
type DeliveryState string

const (
	DeliveryIdle       DeliveryState = "idle"
	DeliveryInProgress DeliveryState = "delivering"
	DeliveryDone       DeliveryState = "delivered"
)

// Guard keeps one Deliver per milestone in flight and refuses redelivery.
// Begin's check-and-set is atomic per milestone id.
// Complete moves delivering to delivered and is a no-op from idle.
type Guard interface {
	Begin(ctx context.Context, id string) error
	Complete(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
	State(ctx context.Context, id string) (DeliveryState, error)
}

// MemoryGuard 单实例部署使用的进程内守卫
type MemoryGuard struct {
	mu     sync.Mutex
	states map[string]DeliveryState
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{states: make(map[string]DeliveryState)}
}

func (g *MemoryGuard) Begin(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.states[id] {
	case DeliveryInProgress:
		return &ConflictError{MilestoneID: id, Reason: reasonDeliveryInProgress}
	case DeliveryDone:
		return &ConflictError{MilestoneID: id, Reason: reasonAlreadyDelivered}
	}
	g.states[id] = DeliveryInProgress
	return nil
}

// Complete 只有 delivering 才能变成 delivered，idle 时什么也不做
func (g *MemoryGuard) Complete(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.states[id] == DeliveryInProgress {
		g.states[id] = DeliveryDone
	}
	return nil
}

func (g *MemoryGuard) Reset(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, id)
	return nil
}

func (g *MemoryGuard) State(_ context.Context, id string) (DeliveryState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[id]; ok {
		return s, nil
	}
	return DeliveryIdle, nil
}
