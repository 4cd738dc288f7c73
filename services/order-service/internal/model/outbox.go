package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidStatus     = errors.New("invalid outbox status")
	ErrInvalidTransition = errors.New("invalid outbox status transition")
)

type OutboxStatus string

const (
	OutboxStatusNew       OutboxStatus = "NEW"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

// OutboxEvent is one row of outbox_events. Payload is a JSON snapshot of the
// aggregate taken when the row was written and never changes afterwards.
type OutboxEvent struct {
	ID            int64        `json:"id"`
	AggregateType string       `json:"aggregateType"`
	AggregateID   string       `json:"aggregateId"`
	EventType     string       `json:"eventType"`
	Payload       string       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func ParseOutboxStatus(raw string) (OutboxStatus, error) {
	s := OutboxStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxStatusNew, OutboxStatusPublished, OutboxStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition leaves s.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusPublished || s == OutboxStatusFailed
}

// CanTransitionTo reports whether a row in s may move to next. Only NEW moves;
// PUBLISHED and FAILED are final, so a late or contradicting confirmation never
// overwrites an earlier verdict.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	return s == OutboxStatusNew && next.IsTerminal()
}

// TransitionSources lists the states a row may be in for an update to next to apply.
// The result feeds the conditional UPDATE, so an empty slice means nothing can move.
func TransitionSources(next OutboxStatus) []OutboxStatus {
	var sources []OutboxStatus
	for _, from := range []OutboxStatus{OutboxStatusNew, OutboxStatusPublished, OutboxStatusFailed} {
		if from.CanTransitionTo(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

func ValidateTransition(from, to OutboxStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: from %q", ErrInvalidStatus, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: to %q", ErrInvalidStatus, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func StatusStrings(statuses []OutboxStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
