package model

import "time"

type BlockRecord struct {
	IPAddress string    `json:"ip_address"`
	Reason    string    `json:"reason"`
	RuleID    string    `json:"rule_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (b *BlockRecord) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}
