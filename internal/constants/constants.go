package constants

import "hash/fnv"

const (
	MigrationLock = iota + 7300
	TriggerClockLock
)

const (
	DefaultTimeoutSec   = 120
	MinTimeoutSec       = 10
	DefaultRetryLimit   = 3
	DefaultMaxParallel  = 1
	MinIntervalSeconds  = 5
	DefaultTickSeconds  = 5
	DefaultPageSize     = 50
	MaxPageSize         = 500
	DelayQueueSuffix    = ".delay"
	ScopedQueueInfix    = ".jobs."
	LiveQueueTTLPercent = 80
)

// ScopedLockID derives a per-scope lock id so that control-planes serving
// different scopes never contend for the same lock.
func ScopedLockID(base int, scope string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope))
	return base*100_000 + int(h.Sum32()%100_000)
}
