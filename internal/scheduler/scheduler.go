package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs named periodic housekeeping jobs
type Scheduler struct {
	cron      *cron.Cron
	logger    *zap.Logger
	jobMap    map[string]cron.EntryID // Maps job name to cron entry ID
	jobMapMux sync.RWMutex            // Protects jobMap
}

// NewScheduler creates a scheduler evaluating specs in loc.
// A panicking job is recovered and a job still running is not started again.
func NewScheduler(loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	l := cronLogger{logger.With(zap.String("component", "scheduler")).Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		logger: logger.With(zap.String("component", "scheduler")),
		jobMap: make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("SCHEDULER: Cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("SCHEDULER: Cron scheduler stopped")
}

// AddJob adds or replaces the job called name
func (s *Scheduler) AddJob(name, spec string, fn func()) error {
	s.RemoveJob(name)

	entryID, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		s.logger.Error("SCHEDULER: Failed to add job", zap.String("job", name), zap.String("spec", spec), zap.Error(err))
		return err
	}

	s.jobMapMux.Lock()
	s.jobMap[name] = entryID
	s.jobMapMux.Unlock()

	s.logger.Info("SCHEDULER: Job added", zap.String("job", name), zap.String("spec", spec), zap.Int("entry", int(entryID)))
	return nil
}

// RemoveJob removes a job by name
func (s *Scheduler) RemoveJob(name string) {
	s.jobMapMux.Lock()
	defer s.jobMapMux.Unlock()

	if entryID, exists := s.jobMap[name]; exists {
		s.cron.Remove(entryID)
		delete(s.jobMap, name)
		s.logger.Info("SCHEDULER: Job removed", zap.String("job", name), zap.Int("entry", int(entryID)))
	}
}

// NextRun returns when the job called name runs next
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.jobMapMux.RLock()
	entryID, exists := s.jobMap[name]
	s.jobMapMux.RUnlock()
	if !exists {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}

// GetScheduledJobCount returns the number of currently scheduled jobs
func (s *Scheduler) GetScheduledJobCount() int {
	s.jobMapMux.RLock()
	defer s.jobMapMux.RUnlock()
	return len(s.jobMap)
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("SCHEDULER: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("SCHEDULER: "+msg, append(keysAndValues, "error", err)...)
}
