package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/dispatch"
)

type Dispatcher interface {
	Run(ctx context.Context, opts dispatch.Options) (*dispatch.Report, error)
}

type ApprovalRefresher interface {
	RefreshTemplateApprovals(ctx context.Context) (int, error)
}

// Scheduler dispatches whatever is due for the next open event on every tick.
type Scheduler struct {
	dispatcher Dispatcher
	interval   time.Duration
	logger     *zap.Logger

	running atomic.Bool
}

func NewScheduler(dispatcher Dispatcher, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduled dispatch failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one dispatch pass. It returns a nil report when there is no open
// event or when a previous pass is still running.
func (s *Scheduler) Tick(ctx context.Context) (*dispatch.Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous dispatch still running, skipping tick")
		return nil, nil
	}
	defer s.running.Store(false)

	report, err := s.dispatcher.Run(ctx, dispatch.Options{Trigger: "scheduler"})
	if errors.Is(err, dispatch.ErrNoEvent) {
		s.logger.Debug("no open event to dispatch")
		return nil, nil
	}
	return report, err
}

// ApprovalPoller refreshes the approval state of pending templates.
type ApprovalPoller struct {
	refresher ApprovalRefresher
	interval  time.Duration
	logger    *zap.Logger
}

func NewApprovalPoller(refresher ApprovalRefresher, interval time.Duration, logger *zap.Logger) *ApprovalPoller {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &ApprovalPoller{
		refresher: refresher,
		interval:  interval,
		logger:    logger,
	}
}

func (p *ApprovalPoller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("approval poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *ApprovalPoller) poll(ctx context.Context) {
	changed, err := p.refresher.RefreshTemplateApprovals(ctx)
	if err != nil {
		// partial failures still report what changed
		p.logger.Error("failed to refresh template approvals", zap.Error(err))
	}
	if changed > 0 {
		p.logger.Info("template approvals refreshed", zap.Int("changed", changed))
	}
}
