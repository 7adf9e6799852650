package mq

import "time"

// MilestoneStatusChangedPayload 由 outbox 在状态写入的同一事务中记录
type MilestoneStatusChangedPayload struct {
	MilestoneID string    `json:"milestone_id"`
	JobID       string    `json:"job_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Step        int       `json:"step"`
	TxHash      string    `json:"tx_hash"`
	Escrow      *string   `json:"escrow,omitempty"`
	IPFS        *string   `json:"ipfs,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// MilestoneNoticePayload 每个动作结束后发给用户的提示（toast）
type MilestoneNoticePayload struct {
	MilestoneID string    `json:"milestone_id"`
	JobID       string    `json:"job_id,omitempty"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`
	OK          bool      `json:"ok"`
	Kind        string    `json:"kind"` // success / authorization / conflict / gateway / persistence ...
	Message     string    `json:"message"`
	Status      string    `json:"status,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
