package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// Conn is a single connection to a cluster node.
type Conn interface {
	// Addr returns the host:port the connection talks to.
	Addr() string
	// ClusterSlots issues CLUSTER SLOTS over the connection.
	ClusterSlots(ctx context.Context) ([]ClusterSlot, error)
	// Pipeline starts a new command batch on the connection.
	Pipeline() Pipeliner
	// Close releases the connection.
	Close() error
}

// ConnPool hands out connections to one node. Implementations must be
// safe for concurrent use; the slot cache never locks around them.
type ConnPool interface {
	Get(ctx context.Context) (Conn, error)
	Put(ctx context.Context, cn Conn)
	Close() error
}

// PoolFactory creates the pool for a newly discovered node.
type PoolFactory func(node ClusterNode) ConnPool

// DialFunc opens a transient connection used for discovery and for ASK
// targets that are not part of the cached topology. Unreachable nodes
// must be reported as *ConnectivityError.
type DialFunc func(ctx context.Context, hp HostPort) (Conn, error)

// ReplicaGroup picks one replica pool of a slot.
type ReplicaGroup interface {
	// Next returns the pool to use for the read mode, or nil when the
	// caller should use the slot master instead.
	Next(mode ReadMode) ConnPool
	// Pools returns the replica pools of the group.
	Pools() []ConnPool
}

// BalancerFactory wraps the replica pools of a slot range.
type BalancerFactory func(pools []ConnPool) ReplicaGroup

// Pipeliner queues commands on a connection and returns a deferred
// result per command. Results are filled in by Exec.
type Pipeliner interface {
	// SendCmd queues cmd with optional string or []byte arguments.
	SendCmd(ctx context.Context, cmd string, args ...interface{}) *goredis.Cmd
	// SendSubCmd queues a command with a sub-command, e.g. CLUSTER SLOTS.
	SendSubCmd(ctx context.Context, cmd, subCmd string, args ...interface{}) *goredis.Cmd
	// Len returns the number of queued commands.
	Len() int
	// Exec sends all queued commands and waits for their replies.
	Exec(ctx context.Context) error
	// Discard drops all queued commands.
	Discard()
}
