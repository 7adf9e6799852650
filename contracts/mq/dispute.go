package mq

import "time"

// DisputeResolvedPayload 仲裁者在链上裁决后发布
type DisputeResolvedPayload struct {
	EventID       string    `json:"event_id"`
	MilestoneID   string    `json:"milestone_id"`
	Outcome       string    `json:"outcome"` // buyer / vendor
	ArbiterWallet string    `json:"arbiter_wallet"`
	TxHash        string    `json:"tx_hash"`
	ResolvedAt    time.Time `json:"resolved_at"`
}
