package reconcile

import (
	"sync/atomic"
)

// ServiceMetrics keeps in-process counters for the engine and sweeper,
// cheap enough to read from a stats endpoint without touching the
// Prometheus registry.
type ServiceMetrics struct {
	Applied          int64
	Duplicates       int64
	Conflicts        int64
	StillPending     int64
	RejectedWebhooks int64
	SweptJobs        int64
}

func (m *ServiceMetrics) recordOutcome(outcome Outcome) {
	switch outcome {
	case OutcomeApplied:
		atomic.AddInt64(&m.Applied, 1)
	case OutcomeDuplicate:
		atomic.AddInt64(&m.Duplicates, 1)
	case OutcomeConflict:
		atomic.AddInt64(&m.Conflicts, 1)
	case OutcomeStillPending:
		atomic.AddInt64(&m.StillPending, 1)
	}
}

func (m *ServiceMetrics) recordRejectedWebhook() {
	atomic.AddInt64(&m.RejectedWebhooks, 1)
}

func (m *ServiceMetrics) recordSweptJob() {
	atomic.AddInt64(&m.SweptJobs, 1)
}

// Snapshot returns a consistent copy for reporting.
func (m *ServiceMetrics) Snapshot() ServiceMetrics {
	return ServiceMetrics{
		Applied:          atomic.LoadInt64(&m.Applied),
		Duplicates:       atomic.LoadInt64(&m.Duplicates),
		Conflicts:        atomic.LoadInt64(&m.Conflicts),
		StillPending:     atomic.LoadInt64(&m.StillPending),
		RejectedWebhooks: atomic.LoadInt64(&m.RejectedWebhooks),
		SweptJobs:        atomic.LoadInt64(&m.SweptJobs),
	}
}
