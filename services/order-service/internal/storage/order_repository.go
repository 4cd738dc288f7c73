package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/techweb/outboxcdc/libs/db"
	"github.com/techweb/outboxcdc/services/order-service/internal/model"
)

type OrderRepository struct {
	pool *db.Pool
}

func NewOrderRepository(pool *db.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create inserts order inside tx and fills in its store-assigned ID.
func (r *OrderRepository) Create(ctx context.Context, tx pgx.Tx, order *model.Order) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO orders (description, created_at)
		VALUES ($1, $2)
		RETURNING id
	`, order.Description, order.CreatedAt).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id int64) (model.Order, error) {
	var o model.Order
	err := r.pool.QueryRow(ctx, `
		SELECT id, description, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&o.ID, &o.Description, &o.CreatedAt)
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}
