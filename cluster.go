package redis

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClusterOptions are used to configure a slot cache and should be
// passed to NewSlotCache or NewClusterClient.
type ClusterOptions struct {
	// A seed list of host:port addresses of cluster nodes.
	Addrs []string

	// ReadMode is the default routing policy. Caches created with
	// ReadMaster or ReadSlaves ignore the per-call read mode; mixed caches
	// honour it.
	ReadMode ReadMode

	// OptimisticReads keeps slot entries that are missing from a topology
	// reply instead of rebuilding the tables from scratch on refresh.
	OptimisticReads bool

	// MinRefreshInterval is the minimum time between two refreshes.
	// A refresh started earlier waits for the remainder. Zero disables
	// rate limiting.
	MinRefreshInterval time.Duration

	// MaxWait bounds how long a refresh waits for exclusive access.
	// Zero means wait forever.
	MaxWait time.Duration

	// The maximum number of MOVED/ASK redirects followed by ClusterClient.
	// Default is 3 redirects. -1 disables redirects.
	MaxRedirects int

	// NewMasterPool and NewSlavePool create node pools. They default to
	// go-redis backed pools built from the options below.
	NewMasterPool PoolFactory
	NewSlavePool  PoolFactory

	// Dial opens discovery and ASK connections. Defaults to a go-redis
	// connection that is pinged before use.
	Dial DialFunc

	// NewBalancer wraps the replica pools of each slot range.
	// Default is NewRoundRobinBalancer.
	NewBalancer BalancerFactory

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Registerer receives the cache metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// Following options are copied to the go-redis options of every node.

	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	Protocol   int
	Username   string
	Password   string
	ClientName string

	DialTimeout           time.Duration
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	ContextTimeoutEnabled bool

	// PoolFIFO uses FIFO mode for each node connection pool GET/PUT operations.
	// Default is false.
	PoolFIFO bool
	// PoolSize applies per cluster node and not for the whole cluster.
	PoolSize        int
	PoolTimeout     time.Duration
	MinIdleConns    int
	MaxIdleConns    int
	MaxActiveConns  int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// TLSConfig for use by the dialer to establish a secure connection.
	TLSConfig *tls.Config

	DisableIdentity bool
}

func (opt *ClusterOptions) init() error {
	if len(opt.Addrs) == 0 {
		return ErrNoSeeds
	}
	for _, addr := range opt.Addrs {
		if _, err := ParseClusterNode(addr, ""); err != nil {
			return err
		}
	}

	switch opt.MaxRedirects {
	case -1:
		opt.MaxRedirects = 0
	case 0:
		opt.MaxRedirects = 3
	}
	if opt.MinRefreshInterval < 0 {
		opt.MinRefreshInterval = 0
	}
	if opt.MaxWait < 0 {
		opt.MaxWait = 0
	}

	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.NewBalancer == nil {
		opt.NewBalancer = NewRoundRobinBalancer
	}
	if opt.NewMasterPool == nil {
		opt.NewMasterPool = NewNodePoolFactory(opt, false)
	}
	if opt.NewSlavePool == nil {
		opt.NewSlavePool = NewNodePoolFactory(opt, true)
	}
	if opt.Dial == nil {
		opt.Dial = DialNode(opt)
	}
	return nil
}

func (opt *ClusterOptions) seeds() []HostPort {
	seeds := make([]HostPort, 0, len(opt.Addrs))
	for _, addr := range opt.Addrs {
		node, err := ParseClusterNode(addr, "")
		if err != nil {
			continue
		}
		seeds = append(seeds, node.HostPort())
	}
	return seeds
}

// nodeOptions converts ClusterOptions to the go-redis options of one node.
func (opt *ClusterOptions) nodeOptions(addr string, readOnly bool) *goredis.Options {
	o := &goredis.Options{
		Addr:   addr,
		Dialer: opt.Dialer,

		Protocol:   opt.Protocol,
		Username:   opt.Username,
		Password:   opt.Password,
		ClientName: opt.ClientName,

		// Redirects are handled by the slot cache, not by go-redis.
		MaxRetries: -1,

		DialTimeout:           opt.DialTimeout,
		ReadTimeout:           opt.ReadTimeout,
		WriteTimeout:          opt.WriteTimeout,
		ContextTimeoutEnabled: opt.ContextTimeoutEnabled,

		PoolFIFO:        opt.PoolFIFO,
		PoolSize:        opt.PoolSize,
		PoolTimeout:     opt.PoolTimeout,
		MinIdleConns:    opt.MinIdleConns,
		MaxIdleConns:    opt.MaxIdleConns,
		MaxActiveConns:  opt.MaxActiveConns,
		ConnMaxIdleTime: opt.ConnMaxIdleTime,
		ConnMaxLifetime: opt.ConnMaxLifetime,

		TLSConfig: opt.TLSConfig,

		DisableIdentity: opt.DisableIdentity,
	}
	if readOnly {
		o.OnConnect = func(ctx context.Context, cn *goredis.Conn) error {
			return cn.ReadOnly(ctx).Err()
		}
	}
	return o
}
