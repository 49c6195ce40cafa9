package queue

import (
	"sync/atomic"
)

// poolStats counts pipeline outcomes using atomic operations.
type poolStats struct {
	processed           atomic.Int64 // Messages taken off the queue
	replied             atomic.Int64 // Replies delivered
	rejected            atomic.Int64 // Dropped by the rate limiter
	fallbacks           atomic.Int64 // Fallback replies sent after a failure
	undelivered         atomic.Int64 // Replies lost after retries
	persistenceFailures atomic.Int64 // Turns kept in memory only
	panics              atomic.Int64 // Recovered panics
	busy                atomic.Int32 // Workers currently running a pipeline
}

func (s *poolStats) snapshot() map[string]any {
	return map[string]any{
		"processed":            s.processed.Load(),
		"replied":              s.replied.Load(),
		"rejected":             s.rejected.Load(),
		"fallbacks":            s.fallbacks.Load(),
		"undelivered":          s.undelivered.Load(),
		"persistence_failures": s.persistenceFailures.Load(),
		"panics":               s.panics.Load(),
		"busy_workers":         s.busy.Load(),
	}
}
