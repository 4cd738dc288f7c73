package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/techweb/outboxcdc/services/order-service/internal/model"
	"github.com/techweb/outboxcdc/services/order-service/internal/outbox"
	"go.uber.org/zap"
)

var ErrEmptyDescription = errors.New("description is required")

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OrderStore interface {
	Create(ctx context.Context, tx pgx.Tx, order *model.Order) error
}

type OutboxStore interface {
	Save(ctx context.Context, tx pgx.Tx, evt *model.OutboxEvent) error
}

// Service performs the dual write: the order and its OrderCreated outbox event
// commit together or not at all.
type Service struct {
	db      TxBeginner
	orders  OrderStore
	outbox  OutboxStore
	logger  *zap.Logger
	now     func() time.Time
	marshal func(any) ([]byte, error)
}

func NewService(db TxBeginner, orders OrderStore, outboxStore OutboxStore, logger *zap.Logger) *Service {
	return &Service{
		db:      db,
		orders:  orders,
		outbox:  outboxStore,
		logger:  logger,
		now:     time.Now,
		marshal: json.Marshal,
	}
}

func (s *Service) CreateOrder(ctx context.Context, description string) (model.Order, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return model.Order{}, ErrEmptyDescription
	}

	// Postgres keeps microseconds; truncating keeps the returned order equal to the stored one.
	order := model.Order{
		Description: description,
		CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.Order{}, fmt.Errorf("begin order tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.orders.Create(ctx, tx, &order); err != nil {
		return model.Order{}, err
	}

	payload, err := s.marshal(order)
	if err != nil {
		return model.Order{}, fmt.Errorf("marshal order payload: %w", err)
	}

	evt := model.OutboxEvent{
		AggregateType: outbox.AggregateTypeOrder,
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     outbox.EventTypeOrderCreated,
		Payload:       string(payload),
		Status:        model.OutboxStatusNew,
	}
	if err := s.outbox.Save(ctx, tx, &evt); err != nil {
		return model.Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Order{}, fmt.Errorf("commit order tx: %w", err)
	}

	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("outbox_event_id", evt.ID),
	)
	return order, nil
}
