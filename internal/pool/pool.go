// Package pool wraps one go-redis client per cluster node.
package pool

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("redis: node pool is closed")

// NodePool hands out sticky connections of a single node.
type NodePool struct {
	client *redis.Client
	addr   string
	closed atomic.Bool
}

// NewNodePool creates the pool. No connection is opened until the first
// command runs.
func NewNodePool(opt *redis.Options) *NodePool {
	return &NodePool{
		client: redis.NewClient(opt),
		addr:   opt.Addr,
	}
}

// Addr returns the node address.
func (p *NodePool) Addr() string {
	return p.addr
}

// Client returns the underlying go-redis client.
func (p *NodePool) Client() *redis.Client {
	return p.client
}

// Get reserves a connection. It must be released with Put.
func (p *NodePool) Get(ctx context.Context) (*redis.Conn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.client.Conn(), nil
}

// Put returns cn to the pool.
func (p *NodePool) Put(cn *redis.Conn) error {
	return cn.Close()
}

// Stats returns the go-redis pool statistics.
func (p *NodePool) Stats() *redis.PoolStats {
	return p.client.PoolStats()
}

// Close closes every connection of the pool. Later calls are no-ops.
func (p *NodePool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.client.Close()
}

// IsClosed reports whether Close was called.
func (p *NodePool) IsClosed() bool {
	return p.closed.Load()
}
