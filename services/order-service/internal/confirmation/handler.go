package confirmation

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/techweb/outboxcdc/libs/kafkax"
	"github.com/techweb/outboxcdc/services/order-service/internal/model"
	"go.uber.org/zap"
)

type StatusStore interface {
	UpdateStatus(ctx context.Context, aggregateID string, next model.OutboxStatus) (int64, error)
	FindByAggregateID(ctx context.Context, aggregateID string) ([]model.OutboxEvent, error)
}

// Processor does the per-record work whose success decides PUBLISHED vs FAILED.
type Processor func(ctx context.Context, msg kafka.Message) error

type Option func(*Handler)

func WithProcessor(p Processor) Option {
	return func(h *Handler) {
		if p != nil {
			h.process = p
		}
	}
}

// Handler turns one CDC-relayed record into a status update of the matching outbox row.
type Handler struct {
	store   StatusStore
	logger  *zap.Logger
	process Processor
}

func NewHandler(store StatusStore, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{store: store, logger: logger}
	h.process = h.logRecord
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle returns an error wrapping ErrMalformedConfirmation when the key carries no
// aggregate id; nothing is written in that case. Otherwise it writes exactly one
// status update and returns only the store's error, if any.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	aggregateID, err := AggregateIDFromKey(msg.Key)
	if err != nil {
		return fmt.Errorf("%s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}

	outcome := model.OutboxStatusPublished
	if err := h.runProcessor(ctx, msg); err != nil {
		h.logger.Warn("confirmation processing failed",
			zap.String("aggregate_id", aggregateID),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		outcome = model.OutboxStatusFailed
	}

	n, err := h.store.UpdateStatus(ctx, aggregateID, outcome)
	if err != nil {
		return fmt.Errorf("mark aggregate %s %s: %w", aggregateID, outcome, err)
	}
	if n == 0 {
		h.explainNoop(ctx, aggregateID, outcome)
		return nil
	}

	h.logger.Info("outbox status updated",
		zap.String("aggregate_id", aggregateID),
		zap.String("status", string(outcome)),
		zap.Int64("rows", n),
	)
	return nil
}

func (h *Handler) runProcessor(ctx context.Context, msg kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return h.process(ctx, msg)
}

func (h *Handler) logRecord(_ context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)
	h.logger.Info("delivery confirmation received",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("event_id", meta.EventID),
		zap.String("event_type", meta.EventType),
		zap.String("value", string(msg.Value)),
	)
	return nil
}

// explainNoop logs why an update touched no rows. It never fails the record.
func (h *Handler) explainNoop(ctx context.Context, aggregateID string, outcome model.OutboxStatus) {
	fields := []zap.Field{
		zap.String("aggregate_id", aggregateID),
		zap.String("status", string(outcome)),
	}

	events, err := h.store.FindByAggregateID(ctx, aggregateID)
	if err != nil {
		h.logger.Warn("outbox status unchanged; lookup failed", append(fields, zap.Error(err))...)
		return
	}
	if len(events) == 0 {
		h.logger.Warn("no outbox event for confirmed aggregate", fields...)
		return
	}

	for _, evt := range events {
		if evt.Status != outcome {
			h.logger.Warn("confirmation ignored; outbox event already final",
				append(fields, zap.String("current_status", string(evt.Status)), zap.Int64("event_id", evt.ID))...)
			return
		}
	}
	h.logger.Info("duplicate confirmation ignored", fields...)
}
