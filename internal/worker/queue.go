package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/dispatch"
	"github.com/lalithlochan/partyline/internal/metrics"
	"github.com/lalithlochan/partyline/internal/sqs"
)

type Queue interface {
	ReceiveMessage(ctx context.Context) (*sqs.DispatchRequest, string, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// retryVisibility is how long a failed request stays hidden before it is
// received again.
const retryVisibility = 60

// QueueWorker runs the dispatch requests it receives from the queue. A request
// that fails for a transient reason is left on the queue and comes back after
// retryVisibility seconds.
type QueueWorker struct {
	queue      Queue
	dispatcher Dispatcher
	backoff    time.Duration
	logger     *zap.Logger
}

func NewQueueWorker(queue Queue, dispatcher Dispatcher, logger *zap.Logger) *QueueWorker {
	return &QueueWorker{
		queue:      queue,
		dispatcher: dispatcher,
		backoff:    5 * time.Second,
		logger:     logger,
	}
}

func (w *QueueWorker) Start(ctx context.Context) {
	w.logger.Info("queue worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("queue worker stopping")
			return
		}
		if err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("failed to receive dispatch request", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.backoff):
			}
		}
	}
}

// ProcessOne receives and handles at most one request. Only receive errors
// are returned; dispatch outcomes are logged.
func (w *QueueWorker) ProcessOne(ctx context.Context) error {
	req, handle, err := w.queue.ReceiveMessage(ctx)
	if err != nil {
		if handle != "" {
			w.drop(ctx, handle, err)
			return nil
		}
		return err
	}
	if req == nil {
		return nil
	}

	metrics.SetQueueMessagesInFlight(1)
	defer metrics.SetQueueMessagesInFlight(0)

	opts, err := requestOptions(req)
	if err != nil {
		w.drop(ctx, handle, err)
		return nil
	}

	report, err := w.dispatcher.Run(ctx, opts)
	switch {
	case err == nil:
		w.logger.Info("queued dispatch finished",
			zap.String("reason", req.Reason),
			zap.String("event", report.Edition),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
		)
	case permanent(err):
		w.drop(ctx, handle, err)
		return nil
	default:
		w.logger.Error("queued dispatch failed, will retry",
			zap.String("reason", req.Reason),
			zap.Error(err),
		)
		if err := w.queue.ChangeVisibility(ctx, handle, retryVisibility); err != nil {
			w.logger.Warn("failed to reschedule dispatch request", zap.Error(err))
		}
		return nil
	}

	if err := w.queue.DeleteMessage(ctx, handle); err != nil {
		w.logger.Error("failed to delete dispatch request", zap.Error(err))
	}
	return nil
}

func (w *QueueWorker) drop(ctx context.Context, handle string, cause error) {
	w.logger.Warn("dropping dispatch request", zap.Error(cause))
	if err := w.queue.DeleteMessage(ctx, handle); err != nil {
		w.logger.Error("failed to delete dispatch request", zap.Error(err))
	}
}

func permanent(err error) bool {
	return errors.Is(err, dispatch.ErrNoEvent) ||
		errors.Is(err, dispatch.ErrEventClosed) ||
		errors.Is(err, db.ErrNotFound)
}

func requestOptions(req *sqs.DispatchRequest) (dispatch.Options, error) {
	opts := dispatch.Options{
		Force:   req.Force,
		DryRun:  req.DryRun,
		Trigger: "queue",
	}

	if req.EventID != "" {
		id, err := uuid.Parse(req.EventID)
		if err != nil {
			return opts, fmt.Errorf("invalid event id %q: %w", req.EventID, err)
		}
		opts.EventID = id
	}

	var err error
	if opts.Recipients, err = parseIDs(req.Recipients); err != nil {
		return opts, fmt.Errorf("invalid recipient: %w", err)
	}
	if opts.Messages, err = parseIDs(req.Messages); err != nil {
		return opts, fmt.Errorf("invalid message: %w", err)
	}
	return opts, nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
