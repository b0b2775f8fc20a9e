package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is anything producing audit reports.
type Runner interface {
	Run(ctx context.Context) Report
}

// Scheduler runs the auditor on a cron schedule and keeps the latest report.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	runner  Runner
	logger  *zap.Logger
	mu      sync.RWMutex
	running bool
	last    *Report
	cancel  context.CancelFunc
}

// NewScheduler validates spec, a six-field cron expression (seconds first) or a
// descriptor such as "@every 5m".
func NewScheduler(spec string, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		spec:   spec,
		runner: runner,
		logger: logger,
	}, nil
}

// Start schedules the audit job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("audit scheduler already running")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunNow(jobCtx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule audit: %w", err)
	}
	s.cancel = cancel
	s.running = true
	s.cron.Start()

	s.logger.Info("Starting audit scheduler", zap.String("schedule", s.spec))
	return nil
}

// Stop waits for a running audit to finish and stops scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("Stopping audit scheduler")
	cancel()
	<-s.cron.Stop().Done()
}

// RunNow runs one audit immediately and records it as the latest report.
func (s *Scheduler) RunNow(ctx context.Context) Report {
	report := s.runner.Run(ctx)
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	if !report.Clean() {
		s.logger.Error("Ledger audit found violations", zap.Int("findings", len(report.Findings)))
	}
	return report
}

// Last returns the most recent report, if any audit has run.
func (s *Scheduler) Last() (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}
