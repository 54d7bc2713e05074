package dispatch

import "time"

// Hard ceilings and defaults for dispatcher configuration. Requested
// values outside the valid range are clamped, never rejected.
const (
	DefaultMaxBatchSize = 100
	MaxBatchSizeCeiling = 1000

	DefaultMaxConcurrentPartitions = 4
	MaxConcurrentPartitionsCeiling = 8

	DefaultMaxQueueDepth     = 10_000
	DefaultMaxQueueSizeBytes = 50 * 1024 * 1024

	DefaultBatchTimeout = 30 * time.Second
)

// OverloadPolicy governs admission when the queue is saturated.
type OverloadPolicy int

const (
	// PolicyCoalesce merges the new payload into an existing pending
	// entry with the same idempotency key; nothing new is persisted.
	PolicyCoalesce OverloadPolicy = iota
	// PolicyReject fails admission outright.
	PolicyReject
	// PolicyDefer admits the entry but marks it deferred so dispatch
	// deprioritizes it.
	PolicyDefer
)

func (p OverloadPolicy) String() string {
	switch p {
	case PolicyReject:
		return "REJECT"
	case PolicyDefer:
		return "DEFER"
	default:
		return "COALESCE"
	}
}

// ParseOverloadPolicy maps a config string to a policy, defaulting to COALESCE.
func ParseOverloadPolicy(s string) OverloadPolicy {
	switch s {
	case "REJECT":
		return PolicyReject
	case "DEFER":
		return PolicyDefer
	default:
		return PolicyCoalesce
	}
}

// Config holds dispatcher tuning. The zero value is usable: Normalize
// fills defaults and clamps ceilings.
type Config struct {
	MaxBatchSize            int
	MaxConcurrentPartitions int
	MaxQueueDepth           int
	MaxQueueSizeBytes       int64
	BatchTimeout            time.Duration
	Policy                  OverloadPolicy

	// DependencyOrder lists entity types that must drain before all
	// others, in order (remote referential integrity: packs reference
	// shifts and users).
	DependencyOrder []string
}

// Normalize returns a copy with defaults applied and ceilings enforced.
func (c Config) Normalize() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchSize > MaxBatchSizeCeiling {
		c.MaxBatchSize = MaxBatchSizeCeiling
	}
	if c.MaxConcurrentPartitions <= 0 {
		c.MaxConcurrentPartitions = DefaultMaxConcurrentPartitions
	}
	if c.MaxConcurrentPartitions > MaxConcurrentPartitionsCeiling {
		c.MaxConcurrentPartitions = MaxConcurrentPartitionsCeiling
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.MaxQueueSizeBytes <= 0 {
		c.MaxQueueSizeBytes = DefaultMaxQueueSizeBytes
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.DependencyOrder == nil {
		c.DependencyOrder = []string{"shift", "user"}
	}
	return c
}
