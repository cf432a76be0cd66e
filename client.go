package redis

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ClusterClient routes commands to the node owning their key and follows
// MOVED and ASK redirects, refreshing the slot cache on MOVED.
type ClusterClient struct {
	cache *SlotCache
	opt   *ClusterOptions
	log   *zap.Logger
}

// NewClusterClient creates the slot cache and the client on top of it.
func NewClusterClient(ctx context.Context, opt *ClusterOptions) (*ClusterClient, error) {
	cache, err := NewSlotCache(ctx, opt)
	if err != nil {
		return nil, err
	}
	return &ClusterClient{
		cache: cache,
		opt:   cache.opt,
		log:   cache.log,
	}, nil
}

// SlotCache returns the cache used for routing.
func (c *ClusterClient) SlotCache() *SlotCache {
	return c.cache
}

// Close closes the slot cache and every node pool.
func (c *ClusterClient) Close() error {
	return c.cache.Close()
}

// Do runs cmd with key as its first argument on the node serving the key
// under mode and returns the reply.
func (c *ClusterClient) Do(ctx context.Context, mode ReadMode, cmd, key string, args ...interface{}) (interface{}, error) {
	slot := Slot(key)
	cmdArgs := make([]interface{}, 0, 1+len(args))
	cmdArgs = append(cmdArgs, key)
	cmdArgs = append(cmdArgs, args...)

	var (
		target  *ClusterNode
		asking  bool
		lastErr error
	)
	for attempt := 0; attempt <= c.opt.MaxRedirects; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cn, pool, err := c.conn(ctx, mode, slot, target)
		if err != nil {
			if errors.Is(err, ErrNoSlotPool) || IsConnectivityError(err) {
				lastErr = err
				c.refresh(ctx)
				target, asking = nil, false
				continue
			}
			return nil, err
		}

		val, err := c.exec(ctx, cn, asking, cmd, cmdArgs)
		if r, ok := parseRedirect(err); ok {
			if !r.ask {
				if refreshErr := c.cache.RefreshFrom(ctx, cn); refreshErr != nil {
					c.log.Debug("refresh after MOVED failed",
						zap.String("addr", cn.Addr()),
						zap.Error(refreshErr))
				}
			}
			c.release(ctx, cn, pool)
			node := r.node
			target, asking = &node, r.ask
			lastErr = err
			continue
		}
		c.release(ctx, cn, pool)

		if IsConnectivityError(err) {
			lastErr = err
			c.refresh(ctx)
			target, asking = nil, false
			continue
		}
		return val, err
	}
	if lastErr != nil {
		return nil, multierr.Append(ErrTooManyRedirects, lastErr)
	}
	return nil, ErrTooManyRedirects
}

func (c *ClusterClient) conn(ctx context.Context, mode ReadMode, slot int, target *ClusterNode) (Conn, ConnPool, error) {
	if target != nil {
		return c.cache.AskConn(ctx, *target)
	}
	return c.cache.SlotConn(ctx, mode, slot)
}

func (c *ClusterClient) exec(ctx context.Context, cn Conn, asking bool, cmd string, args []interface{}) (interface{}, error) {
	pipe := cn.Pipeline()
	if asking {
		pipe.SendCmd(ctx, "ASKING")
	}
	res := pipe.SendCmd(ctx, cmd, args...)
	if err := pipe.Exec(ctx); err != nil {
		return nil, &ConnectivityError{Addr: cn.Addr(), Err: err}
	}
	return res.Result()
}

// release hands a pooled connection back and closes a direct one.
func (c *ClusterClient) release(ctx context.Context, cn Conn, pool ConnPool) {
	if pool != nil {
		pool.Put(ctx, cn)
		return
	}
	if err := cn.Close(); err != nil {
		c.log.Debug("closing direct connection",
			zap.String("addr", cn.Addr()),
			zap.Error(err))
	}
}

func (c *ClusterClient) refresh(ctx context.Context) {
	if err := c.cache.Refresh(ctx); err != nil {
		c.log.Debug("topology refresh failed", zap.Error(err))
	}
}

// ForEachMaster concurrently calls the fn on each master node in the cluster.
// It returns the errors of all failed calls combined.
func (c *ClusterClient) ForEachMaster(ctx context.Context, fn func(ctx context.Context, cn Conn) error) error {
	return c.forEach(ctx, c.cache.MasterPools(), fn)
}

// ForEachShard concurrently calls the fn on each known node in the cluster.
func (c *ClusterClient) ForEachShard(ctx context.Context, fn func(ctx context.Context, cn Conn) error) error {
	return c.forEach(ctx, c.cache.AllPools(), fn)
}

func (c *ClusterClient) forEach(ctx context.Context, pools []ConnPool, fn func(ctx context.Context, cn Conn) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, pool := range pools {
		wg.Add(1)
		go func(pool ConnPool) {
			defer wg.Done()

			cn, err := pool.Get(ctx)
			if err == nil {
				err = fn(ctx, cn)
				pool.Put(ctx, cn)
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(pool)
	}
	wg.Wait()
	return errs
}
