package types

import "time"

// PoolStats is a point-in-time view of a proxy pool.
type PoolStats struct {
	Available  int       `json:"available"`
	Seen       int       `json:"seen"`
	State      string    `json:"state"`
	Refills    int64     `json:"refills"`
	LastRefill time.Time `json:"last_refill"`
	Good       int64     `json:"reported_good"`
	Bad        int64     `json:"reported_bad"`
}

// Snapshot is the persisted form of a pool: proxies waiting in the queue and
// every proxy string the pool has already considered.
type Snapshot struct {
	Available []string  `json:"available"`
	Seen      []string  `json:"seen"`
	Stats     PoolStats `json:"stats"`
	Updated   time.Time `json:"updated"`
}
