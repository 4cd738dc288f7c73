package model

import "time"

// Order is the business entity written alongside its OrderCreated outbox event.
type Order struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}
