package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/techweb/outboxcdc/libs/kafkax"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Subscription binds one handler to a topic under a consumer group.
type Subscription struct {
	Topic   string
	GroupID string
	Handler Handler
}

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers    string
	RetryDelay time.Duration
	// DLQTopic receives rejected records. Empty disables forwarding.
	DLQTopic string
	// IsRejection marks handler errors that redelivery cannot fix. Such records are
	// dead-lettered and committed; every other error leaves the offset uncommitted.
	IsRejection func(error) bool
}

type Runner struct {
	cfg       Config
	logger    *zap.Logger
	subs      []Subscription
	newReader func(Subscription) Reader
	dlq       Writer
}

func NewRunner(logger *zap.Logger, cfg Config) *Runner {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.IsRejection == nil {
		cfg.IsRejection = func(error) bool { return false }
	}
	brokers := kafkax.SplitBrokers(cfg.Brokers)

	r := &Runner{cfg: cfg, logger: logger}
	r.newReader = func(sub Subscription) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     sub.GroupID,
			Topic:       sub.Topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		})
	}
	if cfg.DLQTopic != "" {
		r.dlq = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return r
}

// Subscribe registers sub. Call it before Run.
func (r *Runner) Subscribe(sub Subscription) error {
	if sub.Topic == "" || sub.GroupID == "" || sub.Handler == nil {
		return fmt.Errorf("subscription needs topic, group and handler (topic=%q group=%q)", sub.Topic, sub.GroupID)
	}
	r.subs = append(r.subs, sub)
	return nil
}

// Run consumes every subscription on its own goroutine until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.subs) == 0 {
		return errors.New("no subscriptions registered")
	}
	var wg sync.WaitGroup
	for _, sub := range r.subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			r.consume(ctx, sub)
		}(sub)
	}
	wg.Wait()
	if r.dlq != nil {
		_ = r.dlq.Close()
	}
	return nil
}

func (r *Runner) consume(ctx context.Context, sub Subscription) {
	logger := r.logger.With(zap.String("topic", sub.Topic), zap.String("group", sub.GroupID))
	logger.Info("kafka consumer starting")

	for {
		reader := r.newReader(sub)
		err := r.drain(ctx, sub, reader, logger)
		_ = reader.Close()
		if ctx.Err() != nil {
			logger.Info("kafka consumer stopped")
			return
		}

		// A fresh reader resumes at the group's last committed offset.
		logger.Error("kafka consumer paused", zap.Error(err), zap.Duration("retry_in", r.cfg.RetryDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.RetryDelay):
		}
	}
}

func (r *Runner) drain(ctx context.Context, sub Subscription, reader Reader, logger *zap.Logger) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		if err := r.dispatch(ctx, sub, msg, logger); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, sub Subscription, msg kafka.Message, logger *zap.Logger) error {
	ctxSpan, span := kafkax.StartConsumeSpan(ctx, sub.GroupID, msg)
	defer span.End()

	err := sub.Handler(ctxSpan, msg)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if !r.cfg.IsRejection(err) {
		return fmt.Errorf("handle offset %d: %w", msg.Offset, err)
	}

	logger.Error("kafka record rejected",
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.ByteString("key", msg.Key),
		zap.Error(err),
	)
	if r.dlq == nil {
		return nil
	}
	if err := r.dlq.WriteMessages(ctxSpan, deadLetter(ctxSpan, sub, msg, err)); err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", msg.Offset, err)
	}
	return nil
}

func deadLetter(ctx context.Context, sub Subscription, msg kafka.Message, reason error) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	for _, h := range msg.Headers {
		if h.Key == "traceparent" || h.Key == "tracestate" || h.Key == "baggage" {
			continue
		}
		headers = append(headers, h)
	}
	headers = append(headers,
		kafka.Header{Key: "dlq_reason", Value: []byte(reason.Error())},
		kafka.Header{Key: "dlq_source_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "dlq_source_partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "dlq_source_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "dlq_consumer_group", Value: []byte(sub.GroupID)},
	)
	return kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: kafkax.InjectTraceHeaders(ctx, headers),
	}
}
