package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Job 一个雇佣任务，拥有按 order_index 排序的里程碑
type Job struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	ClientID      string           `json:"client_id"`
	ClientWallet  string           `json:"client_wallet"`
	ApplicationID string           `json:"application_id,omitempty"`
	Status        string           `json:"status"` // open / in_progress / closed
	Milestones    []Milestone      `json:"milestones"`
	Bids          []Bid            `json:"bids,omitempty"`
	Applications  []JobApplication `json:"applications,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Clone deep-copies the job and its child lists.
func (j Job) Clone() Job {
	c := j
	if j.Milestones != nil {
		c.Milestones = make([]Milestone, len(j.Milestones))
		for i, m := range j.Milestones {
			c.Milestones[i] = m.Clone()
		}
	}
	if j.Bids != nil {
		c.Bids = append([]Bid(nil), j.Bids...)
	}
	if j.Applications != nil {
		c.Applications = append([]JobApplication(nil), j.Applications...)
	}
	return c
}

// Bid 自由职业者对任务的报价
type Bid struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	FreelancerID string          `json:"freelancer_id"`
	Amount       decimal.Decimal `json:"amount"`
	TokenSymbol  string          `json:"token_symbol"`
	Status       string          `json:"status"` // pending / accepted / rejected / withdrawn
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JobApplication 任务申请（定稿后生成里程碑）
type JobApplication struct {
	ID               string          `json:"id"`
	JobID            string          `json:"job_id"`
	FreelancerID     string          `json:"freelancer_id"`
	FreelancerWallet string          `json:"freelancer_wallet"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TokenSymbol      string          `json:"token_symbol"`
	Status           string          `json:"status"` // draft / finalized / closed
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ChainTx 一笔已确认链上交易的记账行
type ChainTx struct {
	ID          string          `json:"id"`
	MilestoneID string          `json:"milestone_id"`
	JobID       string          `json:"job_id"`
	Action      Action          `json:"action"`
	TxHash      string          `json:"tx_hash"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	TokenSymbol string          `json:"token_symbol"`
	ChainID     int64           `json:"chain_id"`
	CreatedAt   time.Time       `json:"created_at"`
}
