package redis

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxCloseWait caps how long Close waits for a running refresh.
const maxCloseWait = time.Second

type poolEntry struct {
	node   ClusterNode
	pool   ConnPool
	master bool
}

func (e *poolEntry) connPool() ConnPool {
	if e == nil {
		return nil
	}
	return e.pool
}

type replicaEntry struct {
	group ReplicaGroup
	nodes []*poolEntry
}

// slotTable is an immutable topology snapshot. Refreshes build a new
// table and publish it with a single pointer swap.
type slotTable struct {
	masters  []*poolEntry
	replicas []*replicaEntry // nil for ReadMaster caches

	masterNodes map[HostPort]*poolEntry
	slaveNodes  map[HostPort]*poolEntry
}

func newSlotTable(mode ReadMode) *slotTable {
	t := &slotTable{
		masters:     make([]*poolEntry, HashSlots),
		masterNodes: make(map[HostPort]*poolEntry),
		slaveNodes:  make(map[HostPort]*poolEntry),
	}
	if mode.usesSlaves() {
		t.replicas = make([]*replicaEntry, HashSlots)
	}
	return t
}

func (t *slotTable) slotPool(mode ReadMode, slot int) ConnPool {
	master := t.masters[slot].connPool()
	if mode == ReadMaster || t.replicas == nil {
		return master
	}
	re := t.replicas[slot]
	if re == nil {
		return master
	}
	if pool := re.group.Next(mode); pool != nil {
		return pool
	}
	return master
}

// SlotCache caches the slot ownership of a cluster and the pools of its
// nodes. Lookups never block; refreshes are serialized and published
// atomically.
type SlotCache struct {
	opt     *ClusterOptions
	log     *zap.Logger
	metrics *metrics

	state atomic.Pointer[slotTable]

	// sem is held by the single writer. A channel allows bounded waits.
	sem chan struct{}

	generation  atomic.Uint64
	lastRefresh atomic.Int64
	closed      atomic.Bool

	// stamp moves after every refresh that queried the cluster, failed
	// ones included. Callers that queued behind it return without work.
	stamp atomic.Uint64

	discoveryMu    sync.RWMutex
	discoveryAddrs []HostPort
	discoverySet   map[HostPort]struct{}
}

// NewSlotCache creates a cache and bootstraps it from the seed addresses.
// When no seed answers the cache starts empty and lookups report
// ErrNoSlotPool until a refresh succeeds; only invalid options are
// returned as an error.
func NewSlotCache(ctx context.Context, opt *ClusterOptions) (*SlotCache, error) {
	if err := opt.init(); err != nil {
		return nil, err
	}

	c := &SlotCache{
		opt:          opt,
		log:          opt.Logger,
		metrics:      newMetrics(opt.Registerer),
		sem:          make(chan struct{}, 1),
		discoverySet: make(map[HostPort]struct{}),
	}
	c.state.Store(newSlotTable(opt.ReadMode))
	for _, hp := range opt.seeds() {
		c.addDiscovery(hp)
	}

	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("bootstrap failed, starting with an empty topology",
			zap.Strings("seeds", opt.Addrs),
			zap.Error(err))
		return c, nil
	}

	t := c.state.Load()
	c.log.Info("bootstrapped cluster topology",
		zap.Int("masters", len(t.masterNodes)),
		zap.Int("slaves", len(t.slaveNodes)))
	return c, nil
}

// Options returns the options the cache was created with.
func (c *SlotCache) Options() *ClusterOptions {
	return c.opt
}

// ReadMode returns the default read mode of the cache.
func (c *SlotCache) ReadMode() ReadMode {
	return c.opt.ReadMode
}

// Generation returns the number of refreshes published so far.
func (c *SlotCache) Generation() uint64 {
	return c.generation.Load()
}

// LastRefresh returns when the last refresh attempt finished.
func (c *SlotCache) LastRefresh() time.Time {
	ns := c.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

//------------------------------------------------------------------------------

// Refresh reloads the topology from the first reachable discovery node.
// Concurrent calls are deduplicated: callers that waited while another
// refresh queried the cluster return without querying it again, even
// when that query failed. When no discovery node answers the previous
// topology stays in place and an error wrapping ErrClusterUnreachable is
// returned.
func (c *SlotCache) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	// After a failed query the next candidate takes a fresh stamp and
	// skips MinRefreshInterval.
	stamp, wait := c.stamp.Load(), true
	return c.discover(ctx, c.DiscoveryAddrs(), func(cn Conn) error {
		err := c.refresh(ctx, cn, stamp, wait)
		stamp, wait = c.stamp.Load(), false
		return err
	})
}

// RefreshFrom reloads the topology over cn, typically the connection that
// answered with a MOVED redirect.
func (c *SlotCache) RefreshFrom(ctx context.Context, cn Conn) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.refresh(ctx, cn, c.stamp.Load(), true)
}

func (c *SlotCache) refresh(ctx context.Context, cn Conn, stamp uint64, wait bool) error {
	if !c.lock(ctx, c.opt.MaxWait) {
		c.metrics.refreshes.WithLabelValues(refreshTimeout).Inc()
		c.log.Debug("gave up waiting for a running refresh",
			zap.Duration("maxWait", c.opt.MaxWait))
		return nil
	}
	defer c.unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.stamp.Load() != stamp {
		c.metrics.refreshes.WithLabelValues(refreshDeduped).Inc()
		return nil
	}

	if wait {
		if err := c.awaitRefreshInterval(ctx); err != nil {
			c.metrics.refreshes.WithLabelValues(refreshCanceled).Inc()
			return err
		}
	}
	defer func() {
		c.lastRefresh.Store(time.Now().UnixNano())
		c.stamp.Add(1)
	}()

	start := time.Now()
	slots, err := cn.ClusterSlots(ctx)
	if err != nil {
		c.metrics.refreshes.WithLabelValues(refreshError).Inc()
		return fmt.Errorf("redis: CLUSTER SLOTS on %s: %w", cn.Addr(), err)
	}

	prev := c.state.Load()
	next, created, stale := c.build(prev, slots)

	if c.closed.Load() {
		// Close ran without the lock; do not leak the pools built here.
		c.closePools(created)
		return ErrClosed
	}
	c.state.Store(next)
	c.generation.Add(1)

	c.evict(stale)

	c.metrics.refreshes.WithLabelValues(refreshOK).Inc()
	c.metrics.refreshDuration.Observe(time.Since(start).Seconds())
	c.metrics.nodes.WithLabelValues("master").Set(float64(len(next.masterNodes)))
	c.metrics.nodes.WithLabelValues("slave").Set(float64(len(next.slaveNodes)))
	c.log.Debug("refreshed cluster topology",
		zap.String("addr", cn.Addr()),
		zap.Int("ranges", len(slots)),
		zap.Int("masters", len(next.masterNodes)),
		zap.Int("slaves", len(next.slaveNodes)),
		zap.Int("evicted", len(stale)))
	return nil
}

func (c *SlotCache) awaitRefreshInterval(ctx context.Context) error {
	if c.opt.MinRefreshInterval <= 0 {
		return nil
	}
	last := c.lastRefresh.Load()
	if last == 0 {
		return nil
	}
	delay := time.Until(time.Unix(0, last).Add(c.opt.MinRefreshInterval))
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// build applies a topology reply to a copy of prev. It returns the new
// table, the pools created for it, and the entries of nodes that are no
// longer part of the topology.
func (c *SlotCache) build(prev *slotTable, slots []ClusterSlot) (next *slotTable, created, stale []*poolEntry) {
	mode := c.opt.ReadMode
	next = newSlotTable(mode)
	next.masterNodes = maps.Clone(prev.masterNodes)
	next.slaveNodes = maps.Clone(prev.slaveNodes)

	// Strict caches rebuild the slot tables; the others overlay the reply
	// on the previous tables so uncovered slots keep their routes.
	if c.opt.OptimisticReads || c.opt.MaxWait > 0 {
		copy(next.masters, prev.masters)
		if next.replicas != nil && prev.replicas != nil {
			copy(next.replicas, prev.replicas)
		}
	}

	staleMasters := maps.Clone(prev.masterNodes)
	staleSlaves := maps.Clone(prev.slaveNodes)

	resolve := func(nodes map[HostPort]*poolEntry, node ClusterNode, master bool) *poolEntry {
		hp := node.HostPort()
		if e, ok := nodes[hp]; ok {
			return e
		}
		factory := c.opt.NewSlavePool
		if master {
			factory = c.opt.NewMasterPool
		}
		e := &poolEntry{node: node, pool: factory(node), master: master}
		nodes[hp] = e
		created = append(created, e)
		return e
	}

	for _, s := range slots {
		if !s.valid() {
			c.log.Warn("skipping invalid slot range",
				zap.Int("start", s.Start),
				zap.Int("end", s.End))
			continue
		}

		c.addDiscovery(s.Master.HostPort())
		master := resolve(next.masterNodes, s.Master, true)
		delete(staleMasters, s.Master.HostPort())
		// End is inclusive.
		fill(next.masters[s.Start:s.End+1], master)

		if len(s.Replicas) == 0 {
			continue
		}

		var group *replicaEntry
		if next.replicas != nil {
			group = &replicaEntry{nodes: make([]*poolEntry, 0, len(s.Replicas))}
		}
		for _, replica := range s.Replicas {
			c.addDiscovery(replica.HostPort())
			if group == nil {
				continue
			}
			e := resolve(next.slaveNodes, replica, false)
			delete(staleSlaves, replica.HostPort())
			group.nodes = append(group.nodes, e)
		}
		if group == nil {
			continue
		}
		pools := make([]ConnPool, len(group.nodes))
		for i, e := range group.nodes {
			pools[i] = e.pool
		}
		group.group = c.opt.NewBalancer(pools)
		fill(next.replicas[s.Start:s.End+1], group)
	}

	if len(staleMasters) == 0 && len(staleSlaves) == 0 {
		return next, created, nil
	}

	evicted := make(map[*poolEntry]struct{}, len(staleMasters)+len(staleSlaves))
	for hp, e := range staleMasters {
		delete(next.masterNodes, hp)
		evicted[e] = struct{}{}
		stale = append(stale, e)
	}
	for hp, e := range staleSlaves {
		delete(next.slaveNodes, hp)
		evicted[e] = struct{}{}
		stale = append(stale, e)
	}

	// Overlaid entries may still point at evicted pools.
	for i, e := range next.masters {
		if _, ok := evicted[e]; ok {
			next.masters[i] = nil
		}
	}
	for i, re := range next.replicas {
		if re == nil {
			continue
		}
		for _, e := range re.nodes {
			if _, ok := evicted[e]; ok {
				next.replicas[i] = nil
				break
			}
		}
	}
	return next, created, stale
}

func fill[T any](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}

func (c *SlotCache) evict(stale []*poolEntry) {
	for _, e := range stale {
		role := "slave"
		if e.master {
			role = "master"
		}
		c.metrics.evictions.WithLabelValues(role).Inc()
		if err := e.pool.Close(); err != nil {
			c.metrics.closeErrors.Inc()
			c.log.Warn("closing evicted pool",
				zap.String("node", e.node.String()),
				zap.Error(err))
		}
	}
}

func (c *SlotCache) closePools(entries []*poolEntry) (err error) {
	for _, e := range entries {
		if closeErr := e.pool.Close(); closeErr != nil {
			c.metrics.closeErrors.Inc()
			err = multierr.Append(err, fmt.Errorf("closing pool of %s: %w", e.node, closeErr))
		}
	}
	return err
}

// lock acquires exclusive access. A zero wait blocks until the writer slot
// is free or ctx is done.
func (c *SlotCache) lock(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		select {
		case c.sem <- struct{}{}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case c.sem <- struct{}{}:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *SlotCache) unlock() {
	<-c.sem
}

//------------------------------------------------------------------------------

func (c *SlotCache) effectiveMode(mode ReadMode) ReadMode {
	switch c.opt.ReadMode {
	case ReadMaster, ReadSlaves:
		return c.opt.ReadMode
	}
	return mode
}

// SlotPool returns the pool serving slot under the read mode, or nil when
// the topology has no node for it.
func (c *SlotCache) SlotPool(mode ReadMode, slot int) ConnPool {
	if slot < 0 || slot >= HashSlots {
		return nil
	}
	return c.state.Load().slotPool(c.effectiveMode(mode), slot)
}

// MasterPool returns the pool of the master owning slot.
func (c *SlotCache) MasterPool(slot int) ConnPool {
	if slot < 0 || slot >= HashSlots {
		return nil
	}
	return c.state.Load().masters[slot].connPool()
}

// SlotConn returns a connection for slot. The caller must hand it back to
// the pool returned by SlotPool; use SlotPool directly when that is needed.
func (c *SlotCache) SlotConn(ctx context.Context, mode ReadMode, slot int) (Conn, ConnPool, error) {
	pool := c.SlotPool(mode, slot)
	if pool == nil {
		return nil, nil, ErrNoSlotPool
	}
	cn, err := pool.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cn, pool, nil
}

// NodePool returns the cached pool of node, or nil when the node is not
// part of the cached topology.
func (c *SlotCache) NodePool(node ClusterNode) ConnPool {
	t := c.state.Load()
	hp := node.HostPort()
	switch c.opt.ReadMode {
	case ReadMaster:
		return t.masterNodes[hp].connPool()
	case ReadSlaves:
		if e, ok := t.slaveNodes[hp]; ok {
			return e.pool
		}
		return t.masterNodes[hp].connPool()
	default:
		if e, ok := t.masterNodes[hp]; ok {
			return e.pool
		}
		return t.slaveNodes[hp].connPool()
	}
}

// MasterNodePool returns the cached master pool of node, if any.
func (c *SlotCache) MasterNodePool(node ClusterNode) ConnPool {
	return c.state.Load().masterNodes[node.HostPort()].connPool()
}

// SlaveNodePool returns the cached slave pool of node, if any.
func (c *SlotCache) SlaveNodePool(node ClusterNode) ConnPool {
	return c.state.Load().slaveNodes[node.HostPort()].connPool()
}

// AskConn returns a connection to the target of an ASK redirect. Targets
// missing from the cache get a direct connection, which the caller must
// close; pooled connections come with their pool.
func (c *SlotCache) AskConn(ctx context.Context, node ClusterNode) (Conn, ConnPool, error) {
	if c.closed.Load() {
		return nil, nil, ErrClosed
	}
	if pool := c.NodePool(node); pool != nil {
		cn, err := pool.Get(ctx)
		if err != nil {
			return nil, nil, err
		}
		return cn, pool, nil
	}
	cn, err := c.opt.Dial(ctx, node.HostPort())
	if err != nil {
		return nil, nil, err
	}
	return cn, nil, nil
}

// MasterPools returns a snapshot of the master pools.
func (c *SlotCache) MasterPools() []ConnPool {
	return appendPools(nil, c.state.Load().masterNodes)
}

// SlavePools returns a snapshot of the slave pools.
func (c *SlotCache) SlavePools() []ConnPool {
	return appendPools(nil, c.state.Load().slaveNodes)
}

// AllPools returns a snapshot of the master and slave pools.
func (c *SlotCache) AllPools() []ConnPool {
	t := c.state.Load()
	pools := make([]ConnPool, 0, len(t.masterNodes)+len(t.slaveNodes))
	pools = appendPools(pools, t.masterNodes)
	return appendPools(pools, t.slaveNodes)
}

// Pools returns the pools a broadcast under mode should reach: the
// masters for ReadMaster, every node otherwise.
func (c *SlotCache) Pools(mode ReadMode) []ConnPool {
	if c.effectiveMode(mode) == ReadMaster {
		return c.MasterPools()
	}
	return c.AllPools()
}

func appendPools(pools []ConnPool, nodes map[HostPort]*poolEntry) []ConnPool {
	for _, e := range nodes {
		pools = append(pools, e.pool)
	}
	return pools
}

// Slots summarizes the cached topology as slot ranges.
func (c *SlotCache) Slots() []ClusterSlot {
	t := c.state.Load()

	var (
		slots []ClusterSlot
		cur   *poolEntry
		repl  *replicaEntry
	)
	for i := 0; i <= HashSlots; i++ {
		var e *poolEntry
		var re *replicaEntry
		if i < HashSlots {
			e = t.masters[i]
			if t.replicas != nil {
				re = t.replicas[i]
			}
		}
		if e == cur && re == repl && i < HashSlots {
			continue
		}
		if cur != nil {
			slots[len(slots)-1].End = i - 1
		}
		cur, repl = e, re
		if e == nil {
			continue
		}
		s := ClusterSlot{Start: i, End: i, Master: e.node}
		if re != nil {
			for _, r := range re.nodes {
				s.Replicas = append(s.Replicas, r.node)
			}
		}
		slots = append(slots, s)
	}
	return slots
}

//------------------------------------------------------------------------------

// DiscoveryAddrs returns the addresses used to discover the topology:
// the seeds followed by every node seen since.
func (c *SlotCache) DiscoveryAddrs() []HostPort {
	c.discoveryMu.RLock()
	defer c.discoveryMu.RUnlock()
	return append([]HostPort(nil), c.discoveryAddrs...)
}

func (c *SlotCache) addDiscovery(hp HostPort) {
	c.discoveryMu.RLock()
	_, ok := c.discoverySet[hp]
	c.discoveryMu.RUnlock()
	if ok {
		return
	}

	c.discoveryMu.Lock()
	defer c.discoveryMu.Unlock()
	if _, ok := c.discoverySet[hp]; ok {
		return
	}
	c.discoverySet[hp] = struct{}{}
	c.discoveryAddrs = append(c.discoveryAddrs, hp)
}

func (c *SlotCache) clearDiscovery() {
	c.discoveryMu.Lock()
	defer c.discoveryMu.Unlock()
	c.discoveryAddrs = nil
	clear(c.discoverySet)
}

// Close closes every pool of the cache. It waits at most one second for a
// running refresh and closes anyway afterwards. Pool close errors do not
// stop the teardown; they are returned combined.
func (c *SlotCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	wait := c.opt.MaxWait
	if wait <= 0 || wait > maxCloseWait {
		wait = maxCloseWait
	}
	if c.lock(context.Background(), wait) {
		defer c.unlock()
	} else {
		c.log.Warn("closing slot cache while a refresh is running")
	}

	c.clearDiscovery()

	prev := c.state.Swap(newSlotTable(c.opt.ReadMode))
	entries := make([]*poolEntry, 0, len(prev.masterNodes)+len(prev.slaveNodes))
	for _, e := range prev.masterNodes {
		entries = append(entries, e)
	}
	for _, e := range prev.slaveNodes {
		entries = append(entries, e)
	}
	err := c.closePools(entries)
	if err != nil {
		c.log.Warn("errors closing pools", zap.Error(err))
	}
	c.log.Info("closed slot cache", zap.Int("pools", len(entries)))
	return err
}

// IsClosed reports whether Close was called.
func (c *SlotCache) IsClosed() bool {
	return c.closed.Load()
}
