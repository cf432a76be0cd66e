package redis

import (
	"math/rand"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// In ReadMixed mode the balancers give the master one turn out of
// len(replicas)+1 by returning nil; the other modes never do unless the
// group is empty.

// RoundRobinBalancer rotates over the replicas of a slot range.
type RoundRobinBalancer struct {
	pools []ConnPool
	next  atomic.Uint32
}

var _ ReplicaGroup = (*RoundRobinBalancer)(nil)

// NewRoundRobinBalancer is a BalancerFactory.
func NewRoundRobinBalancer(pools []ConnPool) ReplicaGroup {
	return &RoundRobinBalancer{pools: pools}
}

func (b *RoundRobinBalancer) Next(mode ReadMode) ConnPool {
	n := len(b.pools)
	if n == 0 {
		return nil
	}
	if mode == ReadMixed {
		n++
	}
	i := int((b.next.Add(1) - 1) % uint32(n))
	if i == len(b.pools) {
		return nil
	}
	return b.pools[i]
}

func (b *RoundRobinBalancer) Pools() []ConnPool {
	return b.pools
}

// RandomBalancer picks a replica uniformly at random.
type RandomBalancer struct {
	pools []ConnPool
}

var _ ReplicaGroup = (*RandomBalancer)(nil)

// NewRandomBalancer is a BalancerFactory.
func NewRandomBalancer(pools []ConnPool) ReplicaGroup {
	return &RandomBalancer{pools: pools}
}

func (b *RandomBalancer) Next(mode ReadMode) ConnPool {
	n := len(b.pools)
	if n == 0 {
		return nil
	}
	if mode == ReadMixed {
		n++
	}
	i := rand.Intn(n)
	if i == len(b.pools) {
		return nil
	}
	return b.pools[i]
}

func (b *RandomBalancer) Pools() []ConnPool {
	return b.pools
}

// RendezvousBalancer always picks the same replica for one client, using
// highest random weight hashing of the client key. Adding or removing a
// replica only moves the clients that hashed to it.
type RendezvousBalancer struct {
	pools  []ConnPool
	chosen ConnPool
}

var _ ReplicaGroup = (*RendezvousBalancer)(nil)

// NewRendezvousBalancer returns a BalancerFactory sticking clientKey to
// one replica of every slot range.
func NewRendezvousBalancer(clientKey string) BalancerFactory {
	return func(pools []ConnPool) ReplicaGroup {
		b := &RendezvousBalancer{pools: pools}
		if len(pools) == 0 {
			return b
		}
		names := make([]string, len(pools))
		byName := make(map[string]ConnPool, len(pools))
		for i, p := range pools {
			names[i] = poolName(p, i)
			byName[names[i]] = p
		}
		hash := rendezvous.New(names, xxhash.Sum64String)
		b.chosen = byName[hash.Lookup(clientKey)]
		return b
	}
}

func (b *RendezvousBalancer) Next(mode ReadMode) ConnPool {
	return b.chosen
}

func (b *RendezvousBalancer) Pools() []ConnPool {
	return b.pools
}

// poolName returns the node address of pools that know it.
func poolName(p ConnPool, i int) string {
	if a, ok := p.(interface{ Addr() string }); ok {
		return a.Addr()
	}
	return strconv.Itoa(i)
}
