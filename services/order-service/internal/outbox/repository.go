package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/techweb/outboxcdc/libs/db"
	"github.com/techweb/outboxcdc/services/order-service/internal/model"
)

const (
	AggregateTypeOrder    = "Order"
	EventTypeOrderCreated = "OrderCreated"
)

var ErrDuplicateEvent = errors.New("outbox event already exists")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save inserts evt inside the caller's transaction. A row is unique per
// (aggregate_type, aggregate_id, event_type).
func (r *Repository) Save(ctx context.Context, tx pgx.Tx, evt *model.OutboxEvent) error {
	if evt.Status == "" {
		evt.Status = model.OutboxStatusNew
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, string(evt.Status)).
		Scan(&evt.ID, &evt.CreatedAt, &evt.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s/%s", ErrDuplicateEvent, evt.AggregateType, evt.AggregateID, evt.EventType)
		}
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// UpdateStatus moves every row of aggregateID that is allowed to reach next, in a
// single conditional statement committed in its own transaction. Rows already
// terminal are left alone, so the returned count is 0 for redeliveries.
func (r *Repository) UpdateStatus(ctx context.Context, aggregateID string, next model.OutboxStatus) (int64, error) {
	sources := model.TransitionSources(next)
	if len(sources) == 0 {
		return 0, fmt.Errorf("%w: nothing moves to %q", model.ErrInvalidTransition, next)
	}

	var affected int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outbox_events
			SET status = $2,
				updated_at = now()
			WHERE aggregate_id = $1 AND status = ANY($3)
		`, aggregateID, string(next), model.StatusStrings(sources))
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update outbox status: %w", err)
	}
	return affected, nil
}

func (r *Repository) FindByAggregateID(ctx context.Context, aggregateID string) ([]model.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at
		FROM outbox_events
		WHERE aggregate_id = $1
		ORDER BY id ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var evt model.OutboxEvent
		var status string
		if err := rows.Scan(&evt.ID, &evt.AggregateType, &evt.AggregateID, &evt.EventType, &evt.Payload, &status, &evt.CreatedAt, &evt.UpdatedAt); err != nil {
			return nil, err
		}
		evt.Status = model.OutboxStatus(status)
		events = append(events, evt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}
