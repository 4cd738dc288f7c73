//go:build integration

package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techweb/outboxcdc/libs/db"
	"github.com/techweb/outboxcdc/services/order-service/internal/confirmation"
	"github.com/techweb/outboxcdc/services/order-service/internal/model"
	"github.com/techweb/outboxcdc/services/order-service/internal/orders"
	"github.com/techweb/outboxcdc/services/order-service/internal/outbox"
	"github.com/techweb/outboxcdc/services/order-service/internal/storage"
	"github.com/techweb/outboxcdc/services/order-service/migrations"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

type fixture struct {
	pool    *db.Pool
	orders  *storage.OrderRepository
	outbox  *outbox.Repository
	service *orders.Service
	handler *confirmation.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("orders_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(migrations.FS, ".", dsn))

	pool, err := db.Open(ctx, db.Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	f := &fixture{
		pool:   pool,
		orders: storage.NewOrderRepository(pool),
		outbox: outbox.NewRepository(pool),
	}
	f.service = orders.NewService(f.orders, f.orders, f.outbox, zap.NewNop())
	f.handler = confirmation.NewHandler(f.outbox, zap.NewNop())
	return f
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.pool.QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func confirmationFor(id int64) kafka.Message {
	return kafka.Message{
		Topic: "outbox.event.Order",
		Key:   []byte(fmt.Sprintf(`{"schema":{"type":"string","optional":false},"payload":"%d"}`, id)),
		Value: []byte(`{"id":1}`),
	}
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.service.CreateOrder(ctx, "widget")
	require.NoError(t, err)

	stored, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "widget", stored.Description)
	assert.True(t, order.CreatedAt.Equal(stored.CreatedAt))

	events, err := f.outbox.FindByAggregateID(ctx, strconv.FormatInt(order.ID, 10))
	require.NoError(t, err)
	require.Len(t, events, 1)
	evt := events[0]
	assert.Equal(t, outbox.AggregateTypeOrder, evt.AggregateType)
	assert.Equal(t, outbox.EventTypeOrderCreated, evt.EventType)
	assert.Equal(t, model.OutboxStatusNew, evt.Status)

	var payload model.Order
	require.NoError(t, json.Unmarshal([]byte(evt.Payload), &payload))
	assert.Equal(t, order.ID, payload.ID)
	assert.Equal(t, "widget", payload.Description)

	require.NoError(t, f.handler.Handle(ctx, confirmationFor(order.ID)))
	events, err = f.outbox.FindByAggregateID(ctx, evt.AggregateID)
	require.NoError(t, err)
	published := events[0]
	assert.Equal(t, model.OutboxStatusPublished, published.Status)
	assert.False(t, published.UpdatedAt.Before(evt.UpdatedAt))

	// Redelivery is absorbed: no row changes, updated_at stays put.
	require.NoError(t, f.handler.Handle(ctx, confirmationFor(order.ID)))
	events, err = f.outbox.FindByAggregateID(ctx, evt.AggregateID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPublished, events[0].Status)
	assert.True(t, published.UpdatedAt.Equal(events[0].UpdatedAt))
}

func TestUpdateStatusTerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.service.CreateOrder(ctx, "widget")
	require.NoError(t, err)
	id := strconv.FormatInt(order.ID, 10)

	n, err := f.outbox.UpdateStatus(ctx, id, model.OutboxStatusFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = f.outbox.UpdateStatus(ctx, id, model.OutboxStatusPublished)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = f.outbox.UpdateStatus(ctx, id, model.OutboxStatusFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = f.outbox.UpdateStatus(ctx, id, model.OutboxStatusNew)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	n, err = f.outbox.UpdateStatus(ctx, "does-not-exist", model.OutboxStatusPublished)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestSaveRejectsDuplicateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.service.CreateOrder(ctx, "widget")
	require.NoError(t, err)

	err = pgx.BeginFunc(ctx, f.pool, func(tx pgx.Tx) error {
		return f.outbox.Save(ctx, tx, &model.OutboxEvent{
			AggregateType: outbox.AggregateTypeOrder,
			AggregateID:   strconv.FormatInt(order.ID, 10),
			EventType:     outbox.EventTypeOrderCreated,
			Payload:       "{}",
		})
	})
	assert.ErrorIs(t, err, outbox.ErrDuplicateEvent)
	assert.Equal(t, 1, f.count(t, "outbox_events"))
}

type failingOutbox struct {
	*outbox.Repository
}

func (s failingOutbox) Save(ctx context.Context, tx pgx.Tx, evt *model.OutboxEvent) error {
	if err := s.Repository.Save(ctx, tx, evt); err != nil {
		return err
	}
	return errors.New("injected failure after insert")
}

func TestCreateOrderIsAtomic(t *testing.T) {
	f := newFixture(t)
	svc := orders.NewService(f.orders, f.orders, failingOutbox{f.outbox}, zap.NewNop())

	_, err := svc.CreateOrder(context.Background(), "widget")
	require.Error(t, err)

	assert.Zero(t, f.count(t, "orders"))
	assert.Zero(t, f.count(t, "outbox_events"))
}

func TestConfirmationsForDifferentAggregatesDoNotInterfere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 10; i++ {
		order, err := f.service.CreateOrder(ctx, fmt.Sprintf("widget-%d", i))
		require.NoError(t, err)
		ids = append(ids, order.ID)
	}

	failOdd := confirmation.NewHandler(f.outbox, zap.NewNop(), confirmation.WithProcessor(
		func(_ context.Context, msg kafka.Message) error {
			id, _ := confirmation.AggregateIDFromKey(msg.Key)
			n, _ := strconv.ParseInt(id, 10, 64)
			if n%2 == 1 {
				return errors.New("rejected downstream")
			}
			return nil
		}))

	var wg sync.WaitGroup
	for _, id := range ids {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				assert.NoError(t, failOdd.Handle(ctx, confirmationFor(id)))
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		events, err := f.outbox.FindByAggregateID(ctx, strconv.FormatInt(id, 10))
		require.NoError(t, err)
		require.Len(t, events, 1)
		want := model.OutboxStatusPublished
		if id%2 == 1 {
			want = model.OutboxStatusFailed
		}
		assert.Equal(t, want, events[0].Status, "aggregate %d", id)
	}
}
