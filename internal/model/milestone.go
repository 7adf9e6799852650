package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Milestone 一个托管付款里程碑
type Milestone struct {
	ID               string          `json:"id"`
	JobID            string          `json:"job_id"`
	Title            string          `json:"title"`
	OrderIndex       int             `json:"order_index"`
	Status           Status          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	TokenSymbol      string          `json:"token_symbol"`
	Escrow           *string         `json:"escrow,omitempty"` // 链上托管合约地址
	IPFS             *string         `json:"ipfs,omitempty"`   // 交付物 CID，只在 DELIVERED 时写入一次
	FreelancerID     string          `json:"freelancer_id"`
	FreelancerWallet string          `json:"freelancer_wallet"`
	LastTxHash       string          `json:"last_tx_hash,omitempty"`
	DueAt            *time.Time      `json:"due_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with m.
func (m Milestone) Clone() Milestone {
	c := m
	if m.Escrow != nil {
		v := *m.Escrow
		c.Escrow = &v
	}
	if m.IPFS != nil {
		v := *m.IPFS
		c.IPFS = &v
	}
	if m.DueAt != nil {
		v := *m.DueAt
		c.DueAt = &v
	}
	return c
}

// HasEscrow reports whether the escrow address has been recorded.
func (m Milestone) HasEscrow() bool {
	return m.Escrow != nil && *m.Escrow != ""
}
