package redis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// discover runs fn against the first candidate that can be dialed and
// whose fn call succeeds. Candidates are tried in order; every failure
// moves on to the next one. When all fail, the returned error wraps
// ErrClusterUnreachable together with the per-candidate errors.
func (c *SlotCache) discover(ctx context.Context, candidates []HostPort, fn func(Conn) error) error {
	var errs error
	for _, hp := range candidates {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		err := c.tryCandidate(ctx, hp, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		c.metrics.discoveryFailures.Inc()
		c.log.Debug("discovery node failed",
			zap.String("addr", hp.String()),
			zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		return ErrClusterUnreachable
	}
	return fmt.Errorf("%w: %w", ErrClusterUnreachable, errs)
}

func (c *SlotCache) tryCandidate(ctx context.Context, hp HostPort, fn func(Conn) error) (err error) {
	cn, err := c.opt.Dial(ctx, hp)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := cn.Close(); closeErr != nil {
			c.log.Debug("closing discovery connection",
				zap.String("addr", hp.String()),
				zap.Error(closeErr))
		}
	}()
	return fn(cn)
}
