package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetmon/internal/clock"
	"fleetmon/internal/config"
	"fleetmon/internal/domain"
	"fleetmon/internal/metrics"
	"fleetmon/internal/occurrence"
	"fleetmon/internal/permanent"
)

// ErrQueueFull indicates the in-memory dispatch queue rejected a new job.
var ErrQueueFull = errors.New("dispatch queue is full")

// Job is one occurrence/channel delivery unit.
// Params: recorded occurrence and destination channel.
// Returns: queue work item.
type Job struct {
	Occurrence domain.AlertOccurrence `json:"occurrence"`
	Channel    domain.AlertChannel    `json:"channel"`
}

// Queue accepts delivery jobs for asynchronous processing.
// Params: ctx and job.
// Returns: enqueue error; ErrQueueFull when the job was shed.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Dispatcher delivers jobs through channel senders with retry and
// per-attempt bookkeeping. In single mode it also owns an in-memory
// bounded queue drained by a worker pool.
type Dispatcher struct {
	senders map[domain.ChannelType]ChannelSender
	occs    occurrence.Store
	retry   config.RetryConfig
	clk     clock.Clock
	logger  *slog.Logger

	jobs      chan Job
	workers   int
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates the dispatcher over the given senders.
// Params: dispatch config, channel senders, attempt store, clock, and logger.
// Returns: dispatcher with an idle worker pool; call Start to drain the queue.
func New(cfg config.DispatchConfig, senders []ChannelSender, occs occurrence.Store, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	byType := make(map[domain.ChannelType]ChannelSender, len(senders))
	for _, sender := range senders {
		byType[sender.Type()] = sender
	}
	return &Dispatcher{
		senders: byType,
		occs:    occs,
		retry:   cfg.Retry,
		clk:     clk,
		logger:  logger,
		jobs:    make(chan Job, cfg.QueueSize),
		workers: cfg.Workers,
	}
}

// Start launches the worker pool draining the in-memory queue.
// Params: ctx canceling in-flight deliveries on shutdown.
// Returns: nothing; workers exit when the queue is closed.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
}

// Close stops accepting jobs and waits for workers to drain the queue.
// Params: none.
// Returns: nil always.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.jobs)
	})
	d.wg.Wait()
	return nil
}

// Enqueue offers one job to the bounded queue, shedding when full.
// Params: ctx and job.
// Returns: ErrQueueFull when the queue is at capacity.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	select {
	case d.jobs <- job:
		metrics.DispatchQueueDepth.Inc()
		return nil
	default:
		metrics.DispatchJobsShedTotal.Inc()
		return ErrQueueFull
	}
}

// runWorker drains the queue until it is closed.
// Params: ctx for delivery deadlines.
// Returns: nothing.
func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.jobs {
		metrics.DispatchQueueDepth.Dec()
		if err := d.Deliver(ctx, job); err != nil {
			d.logger.Error("delivery abandoned",
				"occurrence_id", job.Occurrence.ID,
				"channel_id", job.Channel.ID,
				"error", err.Error())
		}
	}
}

// Deliver runs the full retry loop for one job, recording every attempt.
// Params: ctx and job.
// Returns: nil on success or an already-terminal job; final error otherwise.
func (d *Dispatcher) Deliver(ctx context.Context, job Job) error {
	done, err := d.TerminalReached(ctx, job)
	if err != nil {
		return fmt.Errorf("check attempt history: %w", err)
	}
	if done {
		d.logger.Debug("delivery already terminal, skipping",
			"occurrence_id", job.Occurrence.ID, "channel_id", job.Channel.ID)
		return nil
	}

	prior, err := d.occs.Attempts(ctx, job.Occurrence.ID, job.Channel.ID)
	if err != nil {
		return fmt.Errorf("load attempt history: %w", err)
	}

	var timer *time.Timer
	defer func() { stopTimer(timer) }()

	for local := 1; ; local++ {
		attemptNumber := len(prior) + local

		delay := d.retry.Backoff(local)
		if delay > 0 {
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				stopTimer(timer)
				timer.Reset(delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		_, terminal, sendErr := d.Attempt(ctx, job, attemptNumber)
		if sendErr == nil {
			if local > 1 {
				d.logger.Info("delivery recovered after retries",
					"channel_type", job.Channel.Type, "attempt", attemptNumber)
			}
			return nil
		}
		if terminal {
			return fmt.Errorf("channel %s failed after %d attempts: %w",
				job.Channel.Type, attemptNumber, sendErr)
		}
		d.logger.Warn("delivery attempt failed",
			"channel_type", job.Channel.Type,
			"channel_id", job.Channel.ID,
			"attempt", attemptNumber,
			"error", sendErr.Error())
	}
}

// Attempt performs and records exactly one delivery attempt.
// Params: ctx, job, and the absolute attempt number for this channel.
// Returns: classified outcome, whether the attempt was terminal, and the send error.
func (d *Dispatcher) Attempt(ctx context.Context, job Job, attemptNumber int) (domain.AttemptOutcome, bool, error) {
	sender, ok := d.senders[job.Channel.Type]
	var (
		result  SendResult
		sendErr error
	)
	if !ok {
		sendErr = permanent.Mark(fmt.Errorf("channel type %q is not configured", job.Channel.Type))
	} else {
		start := time.Now()
		result, sendErr = sender.Send(ctx, job.Channel, job.Occurrence)
		metrics.DeliveryDuration.WithLabelValues(string(job.Channel.Type)).Observe(time.Since(start).Seconds())
	}

	outcome := classifyOutcome(sendErr)
	terminal := sendErr == nil || permanent.Is(sendErr) || attemptNumber >= d.retry.MaxAttempts
	metrics.DeliveryAttemptsTotal.WithLabelValues(string(job.Channel.Type), string(outcome)).Inc()

	record := domain.DeliveryAttempt{
		OccurrenceID:  job.Occurrence.ID,
		ChannelID:     job.Channel.ID,
		AttemptNumber: attemptNumber,
		Outcome:       outcome,
		ResponseCode:  result.ResponseCode,
		Terminal:      terminal,
		AttemptedAt:   d.clk.Now(),
	}
	if err := d.occs.RecordAttempt(ctx, record); err != nil {
		d.logger.Error("record delivery attempt",
			"occurrence_id", job.Occurrence.ID,
			"channel_id", job.Channel.ID,
			"error", err.Error())
	}
	return outcome, terminal, sendErr
}

// TerminalReached reports whether the job's channel already has a terminal attempt.
// Params: ctx and job.
// Returns: true when delivery concluded earlier; store error otherwise.
func (d *Dispatcher) TerminalReached(ctx context.Context, job Job) (bool, error) {
	_, found, err := d.occs.TerminalOutcome(ctx, job.Occurrence.ID, job.Channel.ID)
	if err != nil {
		return false, err
	}
	return found, nil
}

// MaxAttempts returns the configured per-channel attempt ceiling.
// Params: none.
// Returns: attempt limit from the retry policy.
func (d *Dispatcher) MaxAttempts() int {
	return d.retry.MaxAttempts
}

// RetryDelay returns the backoff before the given local attempt.
// Params: attempt index starting at 1.
// Returns: zero for the first attempt, exponential capped delay after.
func (d *Dispatcher) RetryDelay(attempt int) time.Duration {
	return d.retry.Backoff(attempt)
}

// stopTimer stops a retry timer and drains its channel if it already fired.
// Params: timer, possibly nil.
// Returns: nothing.
func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// FanOut enqueues one job per enabled channel, isolating per-channel failures.
// Params: ctx, queue, logger, occurrence, and the group's channels.
// Returns: number of jobs accepted by the queue.
func FanOut(ctx context.Context, queue Queue, logger *slog.Logger, occ domain.AlertOccurrence, channels []domain.AlertChannel) int {
	accepted := 0
	for _, channel := range channels {
		if !channel.Enabled {
			continue
		}
		err := queue.Enqueue(ctx, Job{Occurrence: occ, Channel: channel})
		if err != nil {
			logger.Warn("delivery job not queued",
				"occurrence_id", occ.ID,
				"channel_id", channel.ID,
				"error", err.Error())
			continue
		}
		accepted++
	}
	return accepted
}
