package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ljluestc/go-redis-slotcache/internal/pool"
)

// nodePool adapts pool.NodePool to ConnPool.
type nodePool struct {
	*pool.NodePool
	opt *ClusterOptions
}

var _ ConnPool = (*nodePool)(nil)

// NewNodePoolFactory returns a PoolFactory creating one go-redis client per
// node. Slave pools issue READONLY on every new connection.
func NewNodePoolFactory(opt *ClusterOptions, readOnly bool) PoolFactory {
	return func(node ClusterNode) ConnPool {
		return &nodePool{
			NodePool: pool.NewNodePool(opt.nodeOptions(node.Addr(), readOnly)),
			opt:      opt,
		}
	}
}

func (p *nodePool) Get(ctx context.Context) (Conn, error) {
	cn, err := p.NodePool.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &redisConn{
		addr:  p.Addr(),
		cn:    cn,
		log:   p.opt.Logger,
		close: func() error { return p.NodePool.Put(cn) },
	}, nil
}

func (p *nodePool) Put(ctx context.Context, cn Conn) {
	if cn == nil {
		return
	}
	if err := cn.Close(); err != nil {
		p.opt.Logger.Debug("releasing node connection",
			zap.String("addr", p.Addr()),
			zap.Error(err))
	}
}

// DialNode returns the default DialFunc. It opens a dedicated go-redis
// client with a single connection and pings it, so unreachable nodes are
// reported as *ConnectivityError before any command is issued.
func DialNode(opt *ClusterOptions) DialFunc {
	return func(ctx context.Context, hp HostPort) (Conn, error) {
		nodeOpt := opt.nodeOptions(hp.String(), false)
		nodeOpt.PoolSize = 1
		nodeOpt.MinIdleConns = 0
		client := goredis.NewClient(nodeOpt)

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, &ConnectivityError{Addr: hp.String(), Err: err}
		}
		return &redisConn{
			addr:  hp.String(),
			cn:    client,
			log:   opt.Logger,
			close: client.Close,
		}, nil
	}
}
