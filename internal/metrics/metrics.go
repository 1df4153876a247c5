package metrics

import "sync/atomic"

var (
	jobsSucceeded int64
	jobsFailed    int64
	jobsRetried   int64
	jobsDelayed   int64
	recordsLoaded int64
	reportsBuilt  int64
)

func IncSucceeded() { atomic.AddInt64(&jobsSucceeded, 1) }

func IncFailed() { atomic.AddInt64(&jobsFailed, 1) }

func IncRetried() { atomic.AddInt64(&jobsRetried, 1) }

func IncDelayed() { atomic.AddInt64(&jobsDelayed, 1) }

func AddRecords(n int64) { atomic.AddInt64(&recordsLoaded, n) }

func IncReportsBuilt() { atomic.AddInt64(&reportsBuilt, 1) }

func Snapshot() map[string]int64 {
	return map[string]int64{
		"jobs_succeeded": atomic.LoadInt64(&jobsSucceeded),
		"jobs_failed":    atomic.LoadInt64(&jobsFailed),
		"jobs_retried":   atomic.LoadInt64(&jobsRetried),
		"jobs_delayed":   atomic.LoadInt64(&jobsDelayed),
		"records_loaded": atomic.LoadInt64(&recordsLoaded),
		"reports_built":  atomic.LoadInt64(&reportsBuilt),
	}
}
