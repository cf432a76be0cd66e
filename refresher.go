package redis

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Refresher drives periodic and on-demand refreshes of a slot cache.
type Refresher struct {
	cache    *SlotCache
	interval time.Duration
	trigger  chan struct{}
	log      *zap.Logger

	// NewBackOff creates the retry policy of a failed refresh.
	NewBackOff func() backoff.BackOff
}

// NewRefresher refreshes cache every interval once Run is called.
func NewRefresher(cache *SlotCache, interval time.Duration) *Refresher {
	return &Refresher{
		cache:    cache,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      cache.log,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = interval
			b.MaxElapsedTime = interval
			return b
		},
	}
}

// Trigger asks for a refresh as soon as possible. Triggers received while
// one is pending are coalesced.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes until ctx is done or the cache is closed.
func (r *Refresher) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-r.trigger:
		}

		if err := r.refresh(ctx); errors.Is(err, ErrClosed) {
			return err
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) error {
	b := backoff.WithContext(r.NewBackOff(), ctx)
	op := func() error {
		err := r.cache.Refresh(ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.log.Warn("topology refresh failed, retrying",
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
		r.log.Error("topology refresh gave up", zap.Error(err))
	}
	return err
}
