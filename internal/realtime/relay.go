package realtime

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"salesops/api/internal/store"
	"salesops/api/internal/util"
)

// OutboxSource is the slice of store.Backend the relay reads.
type OutboxSource interface {
	PendingChanges(ctx context.Context, limit int) ([]store.Change, error)
	AckChanges(ctx context.Context, ids []int64) error
}

type RelayOptions struct {
	Batch        int
	PollInterval time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       *log.Logger
}

// Relay publishes committed outbox rows and marks them sent. A row is acked
// only after its publish succeeded, so delivery is at least once.
type Relay struct {
	src  OutboxSource
	pub  Publisher
	opts RelayOptions
	kick chan struct{}
	log  *log.Entry
}

func NewRelay(src OutboxSource, pub Publisher, opts RelayOptions) *Relay {
	if opts.Batch <= 0 {
		opts.Batch = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Relay{
		src:  src,
		pub:  pub,
		opts: opts,
		kick: make(chan struct{}, 1),
		log:  opts.Logger.WithField("component", "realtime.relay"),
	}
}

// Kick asks the relay to drain now instead of waiting for the next poll.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		if _, err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := util.Backoff(attempt, r.opts.RetryInitial, r.opts.RetryMax)
			r.log.WithError(err).WithFields(log.Fields{"attempt": attempt, "retry_in": delay.String()}).Warn("outbox drain failed")
			if !util.SleepContext(ctx.Done(), delay) {
				return
			}
			continue
		}
		attempt = 0
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
		case <-ticker.C:
		}
	}
}

// Drain publishes pending rows batch by batch and returns how many were sent.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	sent := 0
	for {
		pending, err := r.src.PendingChanges(ctx, r.opts.Batch)
		if err != nil {
			return sent, err
		}
		if len(pending) == 0 {
			return sent, nil
		}
		acked := make([]int64, 0, len(pending))
		var publishErr error
		for _, change := range pending {
			if err := r.pub.Publish(ctx, FromChange(change)); err != nil {
				publishErr = err
				break
			}
			acked = append(acked, change.ID)
		}
		if len(acked) > 0 {
			if err := r.src.AckChanges(ctx, acked); err != nil {
				return sent, err
			}
			sent += len(acked)
		}
		if publishErr != nil {
			return sent, publishErr
		}
		if len(pending) < r.opts.Batch {
			return sent, nil
		}
	}
}
