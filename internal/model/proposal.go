package model

import "time"

// Proposal is a candidate value for one field produced by a fetcher.
type Proposal struct {
	Field      string  `json:"field"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Citation   string  `json:"citation,omitempty"`
}

// ProposalSet is everything a single fetcher invocation proposed for a record.
type ProposalSet struct {
	Fetcher   string     `json:"fetcher"`
	Proposals []Proposal `json:"proposals"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// CacheRecord maps a canonical key to a cached proposal set.
type CacheRecord struct {
	Key         string    `json:"key"`
	Fetcher     string    `json:"fetcher"`
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record is no longer valid at now.
func (c CacheRecord) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
