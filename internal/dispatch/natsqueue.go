package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fleetmon/internal/config"
	"fleetmon/internal/permanent"

	"github.com/nats-io/nats.go"
)

const dispatchStreamMaxAge = 24 * time.Hour
const dispatchDLQStreamMaxAge = 7 * 24 * time.Hour

// DLQReason identifies why a delivery job was moved to the dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable delivery failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is the dead-letter payload for exhausted delivery jobs.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// JobID creates a deterministic id for one delivery job.
// One occurrence/channel pair always maps to the same id, so JetStream
// message dedup absorbs duplicate fan-out publishes.
// Params: delivery job.
// Returns: stable SHA1-based id string.
func JobID(job Job) string {
	raw := fmt.Sprintf("%s|%s", job.Occurrence.ID, job.Channel.ID)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NATSProducer publishes delivery jobs into the JetStream work queue.
// Params: NATS connection and publish subject settings.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates the JetStream producer for the dispatch queue.
// Params: dispatch queue config.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.DispatchQueueConfig) (*NATSProducer, error) {
	nc, js, err := openDispatchJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one delivery job into the queue stream.
// Params: context and job.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dispatch job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", JobID(job))
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch job: %w", err)
	}
	return nil
}

// Close closes the producer NATS connection.
// Params: none.
// Returns: nil after connection close.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes dispatch queue jobs via a queue group consumer.
// Each JetStream delivery is one recorded attempt; retries ride on
// NakWithDelay so redelivery pacing follows the retry backoff.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	dispatcher *Dispatcher
	cfg        config.DispatchQueueConfig
}

// NewNATSWorker starts the queue consumer for delivery jobs.
// Params: queue config, dispatcher performing attempts, and logger.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.DispatchQueueConfig, dispatcher *Dispatcher, logger *slog.Logger) (*NATSWorker, error) {
	nc, js, err := openDispatchJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{nc: nc, js: js, logger: logger, dispatcher: dispatcher, cfg: cfg}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.handleMessage, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe dispatch %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handleMessage processes one queued delivery job.
// Params: delivered NATS message.
// Returns: nothing; ack state communicates the outcome.
func (w *NATSWorker) handleMessage(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("dispatch queue decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}

	ctx := context.Background()
	done, err := w.dispatcher.TerminalReached(ctx, job)
	if err != nil {
		w.logger.Error("dispatch queue attempt history check failed",
			"occurrence_id", job.Occurrence.ID, "channel_id", job.Channel.ID, "error", err.Error())
		w.nak(message, 1)
		return
	}
	if done {
		_ = message.Ack()
		return
	}

	attempts := deliveryAttempts(message)
	_, _, sendErr := w.dispatcher.Attempt(ctx, job, int(attempts))
	if sendErr == nil {
		_ = message.Ack()
		return
	}

	w.logger.Error("dispatch queue delivery failed",
		"occurrence_id", job.Occurrence.ID,
		"channel_id", job.Channel.ID,
		"channel_type", job.Channel.Type,
		"attempt", attempts,
		"error", sendErr.Error())

	reason := DLQReason("")
	if permanent.Is(sendErr) {
		reason = DLQReasonPermanentError
	} else if isMaxDeliverExceeded(attempts, w.cfg.MaxDeliver) {
		reason = DLQReasonMaxDeliverExceeded
	}
	if reason != "" {
		if w.cfg.DLQEnabled {
			if dlqErr := w.publishDLQ(ctx, message, job, reason, sendErr, attempts); dlqErr != nil {
				w.logger.Error("dispatch queue dlq publish failed",
					"occurrence_id", job.Occurrence.ID, "reason", reason, "error", dlqErr.Error())
				w.nak(message, attempts)
				return
			}
		}
		_ = message.Ack()
		return
	}
	w.nak(message, attempts)
}

// nak schedules redelivery paced by the retry backoff for the next attempt.
// Params: message and current attempt count.
// Returns: nothing.
func (w *NATSWorker) nak(message *nats.Msg, attempts uint64) {
	delay := w.dispatcher.RetryDelay(int(attempts) + 1)
	if delay <= 0 {
		delay = time.Duration(w.cfg.NackDelayMS) * time.Millisecond
	}
	if delay > 0 {
		_ = message.NakWithDelay(delay)
		return
	}
	_ = message.Nak()
}

// Close drains the worker subscription and closes the NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// publishDLQ publishes failed job metadata to the dead-letter subject.
// Params: message, decoded job, failure reason/cause, and attempt counter.
// Returns: publish error when the DLQ publish fails.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      strings.TrimSpace(cause.Error()),
		Attempts:   attempts,
		MaxDeliver: w.cfg.MaxDeliver,
		FailedAt:   time.Now().UTC(),
	}
	if message != nil {
		entry.Subject = message.Subject
		entry.OriginalMsgID = strings.TrimSpace(message.Header.Get("Nats-Msg-Id"))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dispatch dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.cfg.DLQSubject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:dlq:%s:%d", JobID(job), reason, attempts))
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch dlq entry: %w", err)
	}
	return nil
}

// ensureStream ensures one JetStream stream exists with the provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nil && err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openDispatchJetStream opens the connection and ensures queue streams exist.
// Params: queue config with URL and stream/subject names.
// Returns: opened NATS connection, JetStream context, and setup error.
func openDispatchJetStream(cfg config.DispatchQueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect dispatch queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for dispatch queue: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, dispatchStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQEnabled {
		if err := ensureStream(js, cfg.Stream+"_DLQ", cfg.DLQSubject, nats.LimitsPolicy, dispatchDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns the attempt number from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// isMaxDeliverExceeded reports whether this attempt is the final allowed delivery.
// Params: attempt counter and max deliver config.
// Returns: true when the current attempt reaches max deliver.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}
