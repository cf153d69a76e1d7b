package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSkipRetry marks a job error that retrying cannot fix; the message goes
// straight to the dead-letter list.
var ErrSkipRetry = errors.New("skip retry")

// Job handles one message type.
type Job interface {
	// Name identifies the job in logs.
	Name() string
	// Type is the message type the job consumes.
	Type() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Publisher enqueues messages for a Job.
type Publisher interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
}

// Config tunes the consumer side of a queue.
type Config struct {
	Workers    int
	RetryLimit int
	RetryDelay time.Duration
	// PollInterval is how often due retries are moved back to the queue.
	PollInterval time.Duration
}

// Message is the stored envelope.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Decode unmarshals a job payload.
func Decode[T any](payload json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrSkipRetry, err)
	}
	return &v, nil
}
