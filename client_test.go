package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

var _ = Describe("ClusterClient", func() {
	var (
		ctx    context.Context
		fc     *fakeCluster
		rec    *poolRecorder
		opt    *ClusterOptions
		client *ClusterClient
	)

	// foo hashes to slot 12182, served by nodeC.
	fooSlot := Slot("foo")

	setReply := func(fn func(addr string, args []interface{}) (interface{}, error)) {
		fc.mu.Lock()
		fc.reply = fn
		fc.mu.Unlock()
	}

	newClient := func() *ClusterClient {
		c, err := NewClusterClient(ctx, opt)
		Expect(err).NotTo(HaveOccurred())
		client = c
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		fc = newFakeCluster(threeShards()...)
		rec = newPoolRecorder(fc)
		opt = fakeOptions(fc, rec, nodeA)
		client = nil
		setReply(func(addr string, args []interface{}) (interface{}, error) {
			return "value@" + addr, nil
		})
	})

	AfterEach(func() {
		if client != nil {
			_ = client.Close()
		}
	})

	It("sends commands to the master of the key", func() {
		c := newClient()

		val, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("value@" + nodeC))
		Expect(fc.commands(nodeC)).To(Equal([]string{"GET foo"}))
		Expect(rec.master(nodeC).puts.Load()).To(Equal(int32(1)))
	})

	It("reads from replicas in slaves mode", func() {
		opt.ReadMode = ReadSlaves
		c := newClient()

		val, err := c.Do(ctx, ReadSlaves, "GET", "foo")
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("value@" + nodeRC))
	})

	It("returns reply errors unchanged", func() {
		c := newClient()
		setReply(func(string, []interface{}) (interface{}, error) {
			return nil, errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
		})

		_, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).To(MatchError(ContainSubstring("WRONGTYPE")))
		Expect(fc.commands(nodeC)).To(HaveLen(1))
	})

	It("follows MOVED and refreshes the topology", func() {
		c := newClient()
		moved := []ClusterSlot{
			slotRange(0, 5460, nodeA, nodeRA),
			slotRange(5461, 10922, nodeB, nodeRB),
			slotRange(10923, 16383, nodeD),
		}
		setReply(func(addr string, args []interface{}) (interface{}, error) {
			if addr == nodeC {
				fc.setSlots(moved...)
				return nil, fmt.Errorf("MOVED %d %s", fooSlot, nodeD)
			}
			return "value@" + addr, nil
		})

		val, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("value@" + nodeD))
		Expect(fc.commands(nodeD)).To(Equal([]string{"GET foo"}))

		Expect(c.SlotCache().SlotPool(ReadMaster, fooSlot)).To(Equal(ConnPool(rec.master(nodeD))))
		Expect(rec.master(nodeC).closes.Load()).To(Equal(int32(1)))
	})

	It("follows ASK without refreshing", func() {
		c := newClient()
		gen := c.SlotCache().Generation()
		setReply(func(addr string, args []interface{}) (interface{}, error) {
			if addr == nodeC {
				return nil, fmt.Errorf("ASK %d %s", fooSlot, nodeD)
			}
			return "value@" + addr, nil
		})

		val, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("value@" + nodeD))
		Expect(fc.commands(nodeD)).To(Equal([]string{"ASKING", "GET foo"}))

		Expect(c.SlotCache().Generation()).To(Equal(gen))
		Expect(c.SlotCache().NodePool(mustNode(nodeD))).To(BeNil())
		// The direct connection to the ASK target is closed again.
		Expect(fc.conns.Load()).To(BeZero())
	})

	It("gives up after MaxRedirects", func() {
		opt.MaxRedirects = 2
		c := newClient()
		setReply(func(addr string, args []interface{}) (interface{}, error) {
			return nil, fmt.Errorf("ASK %d %s", fooSlot, nodeC)
		})

		_, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).To(MatchError(ErrTooManyRedirects))
		Expect(err).To(MatchError(ContainSubstring("ASK")))
		Expect(fc.commands(nodeC)).To(Equal([]string{
			"GET foo",
			"ASKING", "GET foo",
			"ASKING", "GET foo",
		}))
	})

	It("does not follow redirects when disabled", func() {
		opt.MaxRedirects = -1
		c := newClient()
		setReply(func(addr string, args []interface{}) (interface{}, error) {
			return nil, fmt.Errorf("MOVED %d %s", fooSlot, nodeD)
		})

		_, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).To(MatchError(ErrTooManyRedirects))
		Expect(fc.commands(nodeD)).To(BeEmpty())
	})

	It("refreshes and retries when the slot has no pool", func() {
		fc.setDown(nodeA, true)
		c := newClient()
		Expect(c.SlotCache().Generation()).To(BeZero())

		fc.setDown(nodeA, false)
		val, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("value@" + nodeC))
		Expect(c.SlotCache().Generation()).To(Equal(uint64(1)))
	})

	It("fails once the cluster stays unreachable", func() {
		fc.setDown(nodeA, true)
		c := newClient()

		_, err := c.Do(ctx, ReadMaster, "GET", "foo")
		Expect(err).To(MatchError(ErrTooManyRedirects))
		Expect(err).To(MatchError(ErrNoSlotPool))
	})

	It("runs a function on every master", func() {
		c := newClient()

		var calls atomic.Int32
		err := c.ForEachMaster(ctx, func(ctx context.Context, cn Conn) error {
			calls.Add(1)
			if cn.Addr() == nodeB {
				return errors.New("boom")
			}
			return nil
		})
		Expect(calls.Load()).To(Equal(int32(3)))
		Expect(multierr.Errors(err)).To(HaveLen(1))
		Expect(err).To(MatchError("boom"))
	})

	It("runs a function on every node", func() {
		opt.ReadMode = ReadMixed
		c := newClient()

		var calls atomic.Int32
		Expect(c.ForEachShard(ctx, func(ctx context.Context, cn Conn) error {
			calls.Add(1)
			return nil
		})).To(Succeed())
		Expect(calls.Load()).To(Equal(int32(6)))
	})

	Describe("commands", func() {
		It("gets and sets values", func() {
			c := newClient()

			Expect(c.Set(ctx, "foo", "bar", 0)).To(Succeed())
			Expect(c.Set(ctx, "foo", "bar", 10*time.Second)).To(Succeed())
			Expect(c.Set(ctx, "foo", "bar", 1500*time.Millisecond)).To(Succeed())
			Expect(fc.commands(nodeC)).To(Equal([]string{
				"SET foo bar",
				"SET foo bar EX 10",
				"SET foo bar PX 1500",
			}))

			Expect(c.Get(ctx, "bar")).To(Equal("value@" + nodeA))
		})

		It("reports missing keys as Nil", func() {
			c := newClient()
			setReply(func(string, []interface{}) (interface{}, error) {
				return nil, goredis.Nil
			})

			_, err := c.Get(ctx, "foo")
			Expect(err).To(MatchError(goredis.Nil))
		})

		It("deletes keys per slot", func() {
			c := newClient()
			setReply(func(addr string, args []interface{}) (interface{}, error) {
				return int64(len(args) - 1), nil
			})

			n, err := c.Del(ctx, "foo", "bar", "{foo}x")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(3)))
			Expect(fc.commands(nodeC)).To(Equal([]string{"DEL foo {foo}x"}))
			Expect(fc.commands(nodeA)).To(Equal([]string{"DEL bar"}))
		})

		It("pings every master", func() {
			c := newClient()

			Expect(c.Ping(ctx)).To(Succeed())
			for _, addr := range []string{nodeA, nodeB, nodeC} {
				Expect(fc.commands(addr)).To(Equal([]string{"PING"}), addr)
			}
		})
	})
})
