// Package dedupe remembers Idempotency-Key values so a retried request is
// answered from the first attempt instead of being applied twice.
package dedupe

import (
	"context"
	"time"
)

const (
	StatePending = "pending"
	StateDone    = "done"
)

// Record is what is stored under a key. Body holds the response of the
// completed request.
type Record struct {
	State     string    `json:"state"`
	Status    int       `json:"status,omitempty"`
	Body      []byte    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is implemented by RedisStore and MemoryStore.
//
// Claim reserves key for scope. It returns claimed=true when the caller owns
// the key and must either Complete or Release it; otherwise it returns the
// record left by the earlier request.
type Store interface {
	Claim(ctx context.Context, scope, key string) (Record, bool, error)
	Complete(ctx context.Context, scope, key string, status int, body []byte) error
	Release(ctx context.Context, scope, key string) error
	Ping(ctx context.Context) error
}
