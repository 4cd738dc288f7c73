package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techweb/outboxcdc/services/order-service/internal/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type update struct {
	aggregateID string
	status      model.OutboxStatus
}

// memStore applies the same conditional update as the SQL repository.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]model.OutboxStatus
	updates   []update
	updateErr error
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{rows: map[string]model.OutboxStatus{}}
	for _, id := range ids {
		s.rows[id] = model.OutboxStatusNew
	}
	return s
}

func (s *memStore) UpdateStatus(_ context.Context, aggregateID string, next model.OutboxStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update{aggregateID, next})
	if s.updateErr != nil {
		return 0, s.updateErr
	}
	cur, ok := s.rows[aggregateID]
	if !ok {
		return 0, nil
	}
	for _, from := range model.TransitionSources(next) {
		if cur == from {
			s.rows[aggregateID] = next
			return 1, nil
		}
	}
	return 0, nil
}

func (s *memStore) FindByAggregateID(_ context.Context, aggregateID string) ([]model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[aggregateID]
	if !ok {
		return nil, nil
	}
	return []model.OutboxEvent{{ID: 1, AggregateID: aggregateID, Status: cur}}, nil
}

func (s *memStore) status(id string) model.OutboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func confirmationFor(aggregateID string) kafka.Message {
	return kafka.Message{
		Topic: "outbox.event.Order",
		Key:   []byte(fmt.Sprintf(`{"schema":{"type":"string"},"payload":%q}`, aggregateID)),
		Value: []byte(`{"id":7,"description":"widget"}`),
	}
}

func TestHandlePublishes(t *testing.T) {
	store := newMemStore("42")
	h := NewHandler(store, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), confirmationFor("42")))

	assert.Equal(t, model.OutboxStatusPublished, store.status("42"))
	assert.Equal(t, []update{{"42", model.OutboxStatusPublished}}, store.updates)
}

func TestHandleMalformedKeyWritesNothing(t *testing.T) {
	store := newMemStore("42")
	h := NewHandler(store, zap.NewNop())

	for _, key := range []string{`{"payload":null}`, `{}`} {
		err := h.Handle(context.Background(), kafka.Message{Topic: "outbox.event.Order", Key: []byte(key)})
		assert.ErrorIs(t, err, ErrMalformedConfirmation)
	}
	assert.Empty(t, store.updates)
	assert.Equal(t, model.OutboxStatusNew, store.status("42"))
}

func TestHandleProcessingFailureMarksFailed(t *testing.T) {
	tests := map[string]Processor{
		"error": func(context.Context, kafka.Message) error { return errors.New("downstream rejected") },
		"panic": func(context.Context, kafka.Message) error { panic("nil map") },
	}
	for name, proc := range tests {
		t.Run(name, func(t *testing.T) {
			store := newMemStore("42")
			h := NewHandler(store, zap.NewNop(), WithProcessor(proc))

			require.NoError(t, h.Handle(context.Background(), confirmationFor("42")))

			assert.Equal(t, model.OutboxStatusFailed, store.status("42"))
			assert.Equal(t, []update{{"42", model.OutboxStatusFailed}}, store.updates)
		})
	}
}

func TestHandleStoreErrorIsReturned(t *testing.T) {
	unavailable := errors.New("connection refused")
	store := newMemStore("42")
	store.updateErr = unavailable
	h := NewHandler(store, zap.NewNop())

	err := h.Handle(context.Background(), confirmationFor("42"))
	require.ErrorIs(t, err, unavailable)
	assert.NotErrorIs(t, err, ErrMalformedConfirmation)
	assert.Len(t, store.updates, 1, "no second update")
}

func TestHandleIsIdempotent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := newMemStore("42")
	h := NewHandler(store, zap.New(core))

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Handle(context.Background(), confirmationFor("42")))
	}

	assert.Equal(t, model.OutboxStatusPublished, store.status("42"))
	assert.Equal(t, 1, logs.FilterMessage("outbox status updated").Len())
	assert.Equal(t, 2, logs.FilterMessage("duplicate confirmation ignored").Len())
}

func TestHandleTerminalStateIsFinal(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := newMemStore("42")
	failing := true
	h := NewHandler(store, zap.New(core), WithProcessor(func(context.Context, kafka.Message) error {
		if failing {
			return errors.New("rejected")
		}
		return nil
	}))

	require.NoError(t, h.Handle(context.Background(), confirmationFor("42")))
	require.Equal(t, model.OutboxStatusFailed, store.status("42"))

	failing = false
	require.NoError(t, h.Handle(context.Background(), confirmationFor("42")))
	assert.Equal(t, model.OutboxStatusFailed, store.status("42"))
	assert.Equal(t, 1, logs.FilterMessage("confirmation ignored; outbox event already final").Len())
}

func TestHandleUnknownAggregate(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHandler(newMemStore(), zap.New(core))

	require.NoError(t, h.Handle(context.Background(), confirmationFor("404")))
	assert.Equal(t, 1, logs.FilterMessage("no outbox event for confirmed aggregate").Len())
}

func TestHandleAggregatesAreIsolated(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprint(i + 1)
	}
	store := newMemStore(ids...)
	h := NewHandler(store, zap.NewNop(), WithProcessor(func(_ context.Context, msg kafka.Message) error {
		id, _ := AggregateIDFromKey(msg.Key)
		if id[len(id)-1] == '3' {
			return errors.New("rejected")
		}
		return nil
	}))

	var wg sync.WaitGroup
	for _, id := range ids {
		for dup := 0; dup < 3; dup++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				assert.NoError(t, h.Handle(context.Background(), confirmationFor(id)))
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		want := model.OutboxStatusPublished
		if id[len(id)-1] == '3' {
			want = model.OutboxStatusFailed
		}
		assert.Equal(t, want, store.status(id), "aggregate %s", id)
	}
}
