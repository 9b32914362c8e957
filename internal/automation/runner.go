package automation

import (
	"time"

	"go.uber.org/zap"

	"homecore/internal/metrics"
	"homecore/internal/store"
)

// Runner evaluates automation entities and acts on them.
// It holds ids only; every call re-reads state from the state store.
type Runner struct {
	resources store.Resources
	eval      *Evaluator
	exec      *Executor
	states    StateStore
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewRunner(resources store.Resources, eval *Evaluator, exec *Executor, states StateStore, now func() time.Time, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{
		resources: resources,
		eval:      eval,
		exec:      exec,
		states:    states,
		now:       now,
		metrics:   m,
		logger:    logger.With(zap.String("component", "runner")),
	}
}

// Executor returns the executor the runner acts through
func (r *Runner) Executor() *Executor { return r.exec }
