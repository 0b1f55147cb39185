package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"fleetmon/internal/config"
	"fleetmon/internal/domain"
	"fleetmon/internal/metrics"

	"github.com/segmentio/kafka-go"
)

// KafkaReader consumes agent events from one Kafka topic via a consumer group.
// Offsets are committed only after the sink accepts the event, so a crashed
// instance replays uncommitted events instead of losing them.
type KafkaReader struct {
	reader *kafka.Reader
	sink   EventSink
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewKafkaReader creates and starts the Kafka event consumer.
// Params: kafka ingest config, sink, and logger.
// Returns: running reader or configuration error.
func NewKafkaReader(cfg config.KafkaIngestConfig, sink EventSink, logger *slog.Logger) (*KafkaReader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka ingest requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka ingest requires a topic")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	consumer := &KafkaReader{
		reader: reader,
		sink:   sink,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go consumer.run(ctx)
	return consumer, nil
}

// run fetches and processes messages until the consumer is closed.
// Params: ctx canceled by Close.
// Returns: nothing.
func (k *KafkaReader) run(ctx context.Context) {
	defer close(k.done)
	for {
		message, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			k.logger.Error("kafka ingest fetch failed", "topic", k.reader.Config().Topic, "error", err.Error())
			continue
		}

		event, decodeErr := domain.DecodeAgentEvent(message.Value)
		if decodeErr != nil {
			metrics.IngestEventsTotal.WithLabelValues("kafka", "rejected").Inc()
			k.logger.Warn("kafka ingest decode failed",
				"topic", message.Topic, "partition", message.Partition, "offset", message.Offset,
				"error", decodeErr.Error())
			// Malformed payloads never become valid: commit past them.
			k.commit(ctx, message)
			continue
		}

		if pushErr := k.sink.Push(ctx, event); pushErr != nil {
			metrics.IngestEventsTotal.WithLabelValues("kafka", "rejected").Inc()
			k.logger.Error("kafka ingest push failed",
				"topic", message.Topic, "partition", message.Partition, "offset", message.Offset,
				"error", pushErr.Error())
			continue
		}
		metrics.IngestEventsTotal.WithLabelValues("kafka", "accepted").Inc()
		k.commit(ctx, message)
	}
}

// commit commits one processed message offset and logs commit failures.
// Params: ctx and fetched message.
// Returns: nothing.
func (k *KafkaReader) commit(ctx context.Context, message kafka.Message) {
	if err := k.reader.CommitMessages(ctx, message); err != nil && !errors.Is(err, context.Canceled) {
		k.logger.Warn("kafka ingest commit failed",
			"topic", message.Topic, "partition", message.Partition, "offset", message.Offset,
			"error", err.Error())
	}
}

// Close stops the consumer loop and closes the underlying reader.
// Params: none.
// Returns: reader close error.
func (k *KafkaReader) Close() error {
	var err error
	k.once.Do(func() {
		k.cancel()
		<-k.done
		if closeErr := k.reader.Close(); closeErr != nil {
			err = fmt.Errorf("close kafka reader: %w", closeErr)
		}
	})
	return err
}
