package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/techweb/outboxcdc/libs/kafkax"
)

// cdc-sim stands in for the CDC pipeline: it publishes one record shaped like the
// outbox event router's output so the order-service consumer can be exercised locally.
func main() {
	var (
		brokers     = flag.String("brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "kafka brokers")
		topic       = flag.String("topic", getenv("KAFKA_CONFIRMATION_TOPIC", "outbox.event.Order"), "confirmation topic")
		aggregateID = flag.String("aggregate-id", "", "aggregate id to confirm")
		create      = flag.String("create", "", "create an order with this description through the HTTP API first and confirm it")
		baseURL     = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "order-service base url (with -create)")
		malformed   = flag.Bool("malformed", false, "publish a key without a payload")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	value := []byte(`{}`)
	if *create != "" {
		order, raw, err := createOrder(ctx, *baseURL, *create)
		if err != nil {
			fatal(err.Error())
		}
		*aggregateID = fmt.Sprint(order.ID)
		value = raw
		fmt.Printf("created order id=%d\n", order.ID)
	}
	if !*malformed && strings.TrimSpace(*aggregateID) == "" {
		fatal("-aggregate-id or -create is required")
	}

	key, err := buildKey(*aggregateID, *malformed)
	if err != nil {
		fatal(err.Error())
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(*brokers)...),
		Topic:                  *topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer w.Close()

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Headers: kafkax.InjectTraceHeaders(ctx, []kafka.Header{
			{Key: "eventType", Value: []byte("OrderCreated")},
			{Key: "id", Value: []byte(fmt.Sprintf("sim-%d", time.Now().UnixNano()))},
		}),
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		fatal(err.Error())
	}
	fmt.Printf("published topic=%s key=%s\n", *topic, key)
}

// buildKey mirrors the JSON converter with schemas enabled.
func buildKey(aggregateID string, malformed bool) ([]byte, error) {
	key := map[string]any{
		"schema": map[string]any{"type": "string", "optional": false},
	}
	if !malformed {
		key["payload"] = aggregateID
	}
	return json.Marshal(key)
}

type order struct {
	ID int64 `json:"id"`
}

func createOrder(ctx context.Context, baseURL, description string) (order, []byte, error) {
	target := strings.TrimRight(baseURL, "/") + "/orders?description=" + url.QueryEscape(description)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return order{}, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return order{}, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return order{}, nil, fmt.Errorf("create order: status=%d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return order{}, nil, err
	}
	var o order
	if err := json.Unmarshal(raw, &o); err != nil {
		return order{}, nil, err
	}
	return o, raw, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
