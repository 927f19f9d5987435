package streaming

import (
	"context"
	"time"
)

// Event is a run lifecycle event as emitted by the engine.
type Event struct {
	RunID  string         `json:"run_id,omitempty"`
	StepID string         `json:"step_id,omitempty"`
	Type   string         `json:"type"`
	Attrs  map[string]any `json:"attrs,omitempty"`
	Time   time.Time      `json:"time"`
}

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
