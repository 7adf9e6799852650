package mq

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidUpdatedPayload 报价流程发布的报价文档
type BidUpdatedPayload struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	FreelancerID string          `json:"freelancer_id"`
	Amount       decimal.Decimal `json:"amount"`
	TokenSymbol  string          `json:"token_symbol"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ApplicationUpdatedPayload 申请流程发布的申请文档
type ApplicationUpdatedPayload struct {
	ID               string          `json:"id"`
	JobID            string          `json:"job_id"`
	FreelancerID     string          `json:"freelancer_id"`
	FreelancerWallet string          `json:"freelancer_wallet"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TokenSymbol      string          `json:"token_symbol"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
