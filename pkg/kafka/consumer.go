package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/lily/pkg/tracing"
)

// MessageHandler processes one decoded observation batch.
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the observation feed. A message is committed only after its handler
// succeeds, so a batch interrupted by an infrastructure failure is redelivered.
type Consumer struct {
	reader     MessageReader
	topic      string
	logger     ectologger.Logger
	handler    MessageHandler
	retryDelay time.Duration
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// RetryDelay is the pause before a failed message is redelivered.
	RetryDelay time.Duration
}

func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	return NewConsumerWithReader(reader, cfg.Topic, cfg.RetryDelay, logger, handler)
}

// NewConsumerWithReader builds a consumer over any MessageReader.
func NewConsumerWithReader(reader MessageReader, topic string, retryDelay time.Duration, logger ectologger.Logger, handler MessageHandler) *Consumer {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Consumer{reader: reader, topic: topic, retryDelay: retryDelay, logger: logger, handler: handler}
}

func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.topic,
	}).Info("Kafka consumer started")
	return nil
}

// Stop cancels the loop, waits for the in-flight message and closes the reader.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			continue
		}

		for !c.processMessage(ctx, msg) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
		}
	}
}

// processMessage reports whether msg is finished with, either handled or unparseable.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	incoming := &IncomingMessage{
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Topic:       msg.Topic,
		TraceParent: headers["traceparent"],
		TraceState:  headers["tracestate"],
	}

	if err := incoming.ParseObservationBatch(); err != nil {
		log.WithError(err).Error("Failed to parse message")
		// Still commit to avoid blocking the partition
		c.commit(ctx, log, msg)
		return true
	}

	if err := c.handler(ctx, incoming); err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.WithError(err).Error("Failed to process message (not committing)")
		return false
	}

	c.commit(ctx, log, msg)
	return true
}

func (c *Consumer) commit(ctx context.Context, log ectologger.Logger, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}
