package redis

import (
	"context"
	"net"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ljluestc/go-redis-slotcache/internal/redistest"
)

var _ = Describe("go-redis nodes", func() {
	var (
		ctx           context.Context
		master, slave *redistest.Server
		opt           *ClusterOptions
		cache         *SlotCache
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		master, err = redistest.NewServer()
		Expect(err).NotTo(HaveOccurred())
		slave, err = redistest.NewServer()
		Expect(err).NotTo(HaveOccurred())

		master.SetSlots(redistest.SlotRange{
			Start: 0,
			End:   HashSlots - 1,
			Nodes: []string{master.Addr(), slave.Addr()},
		})

		opt = &ClusterOptions{
			Addrs:           []string{master.Addr()},
			Protocol:        2,
			DisableIdentity: true,
			DialTimeout:     time.Second,
			ReadTimeout:     time.Second,
			PoolSize:        2,
		}
		cache = nil
	})

	AfterEach(func() {
		if cache != nil {
			Expect(cache.Close()).To(Succeed())
		}
		Expect(master.Close()).To(Succeed())
		Expect(slave.Close()).To(Succeed())
	})

	It("bootstraps from a node and routes commands", func() {
		var err error
		cache, err = NewSlotCache(ctx, opt)
		Expect(err).NotTo(HaveOccurred())
		Expect(cache.Generation()).To(Equal(uint64(1)))
		Expect(master.Count("CLUSTER SLOTS")).To(Equal(1))

		cn, pool, err := cache.SlotConn(ctx, ReadMaster, Slot("foo"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cn.Addr()).To(Equal(master.Addr()))

		pipe := cn.Pipeline()
		get := pipe.SendCmd(ctx, "GET", "foo")
		nodes := pipe.SendSubCmd(ctx, "CLUSTER", "NODES")
		Expect(pipe.Len()).To(Equal(2))
		Expect(pipe.Exec(ctx)).To(Succeed())
		pool.Put(ctx, cn)

		Expect(get.Val()).To(Equal("value"))
		Expect(nodes.Err()).To(MatchError(ContainSubstring("unknown command")))
	})

	It("returns released connections to the node pool", func() {
		var err error
		cache, err = NewSlotCache(ctx, opt)
		Expect(err).NotTo(HaveOccurred())
		accepted := master.Accepted()

		for i := 0; i < 3; i++ {
			cn, pool, err := cache.SlotConn(ctx, ReadMaster, 0)
			Expect(err).NotTo(HaveOccurred())
			pipe := cn.Pipeline()
			ping := pipe.SendCmd(ctx, "PING")
			Expect(pipe.Exec(ctx)).To(Succeed())
			Expect(ping.Val()).To(Equal("PONG"))
			pool.Put(ctx, cn)
		}

		np := cache.MasterNodePool(mustNode(master.Addr())).(*nodePool)
		Expect(master.Accepted()).To(Equal(accepted + 1))
		Expect(np.Stats().TotalConns).To(Equal(uint32(1)))
		Expect(np.Stats().Hits).To(BeNumerically(">=", 2))
	})

	It("puts replica connections in read-only mode", func() {
		opt.ReadMode = ReadSlaves

		var err error
		cache, err = NewSlotCache(ctx, opt)
		Expect(err).NotTo(HaveOccurred())

		cn, pool, err := cache.SlotConn(ctx, ReadSlaves, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(cn.Addr()).To(Equal(slave.Addr()))

		pipe := cn.Pipeline()
		get := pipe.SendCmd(ctx, "GET", "foo")
		Expect(pipe.Exec(ctx)).To(Succeed())
		pool.Put(ctx, cn)

		Expect(get.Val()).To(Equal("value"))
		Expect(slave.Count("READONLY")).To(Equal(1))
		Expect(master.Count("READONLY")).To(BeZero())
	})

	It("reports unreachable nodes as connectivity errors", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := ln.Addr().String()
		Expect(ln.Close()).To(Succeed())

		node := mustNode(addr)
		opt.Addrs = []string{addr}
		Expect(opt.init()).To(Succeed())

		_, err = opt.Dial(ctx, node.HostPort())
		Expect(IsConnectivityError(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring(addr)))
	})

	It("runs commands through the cluster client", func() {
		client, err := NewClusterClient(ctx, opt)
		Expect(err).NotTo(HaveOccurred())
		cache = client.SlotCache()

		val, err := client.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("value"))
	})
})

var _ = Describe("convertClusterSlots", func() {
	log := zap.NewNop()

	It("takes the first node as master", func() {
		slots := convertClusterSlots([]goredis.ClusterSlot{{
			Start: 0,
			End:   100,
			Nodes: []goredis.ClusterNode{
				{ID: "m", Addr: "10.0.0.1:6379"},
				{ID: "r", Addr: "10.0.0.2:6379"},
			},
		}}, "10.0.0.1", log)

		Expect(slots).To(Equal([]ClusterSlot{{
			Start:    0,
			End:      100,
			Master:   ClusterNode{Host: "10.0.0.1", Port: 6379, ID: "m"},
			Replicas: []ClusterNode{{Host: "10.0.0.2", Port: 6379, ID: "r"}},
		}}))
	})

	It("uses the queried host for nodes without one", func() {
		slots := convertClusterSlots([]goredis.ClusterSlot{{
			Start: 0,
			End:   100,
			Nodes: []goredis.ClusterNode{{Addr: ":7000"}},
		}}, "10.0.0.9", log)

		Expect(slots).To(HaveLen(1))
		Expect(slots[0].Master.Addr()).To(Equal("10.0.0.9:7000"))
	})

	It("drops ranges without a usable master", func() {
		slots := convertClusterSlots([]goredis.ClusterSlot{
			{Start: 0, End: 10},
			{Start: 11, End: 20, Nodes: []goredis.ClusterNode{{Addr: "bad"}}},
			{Start: 21, End: 30, Nodes: []goredis.ClusterNode{{Addr: "10.0.0.1:6379"}, {Addr: "bad"}}},
		}, "10.0.0.1", log)

		Expect(slots).To(HaveLen(1))
		Expect(slots[0].Start).To(Equal(21))
		Expect(slots[0].Replicas).To(BeEmpty())
	})
})
