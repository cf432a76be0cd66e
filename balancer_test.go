package redis

import (
	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

var _ = Describe("balancers", func() {
	var pools []ConnPool

	BeforeEach(func() {
		pools = []ConnPool{
			&fakePool{node: mustNode(nodeRA), slave: true},
			&fakePool{node: mustNode(nodeRB), slave: true},
			&fakePool{node: mustNode(nodeRC), slave: true},
		}
	})

	Describe("RoundRobinBalancer", func() {
		It("rotates over the replicas", func() {
			b := NewRoundRobinBalancer(pools)
			var got []ConnPool
			for i := 0; i < 6; i++ {
				got = append(got, b.Next(ReadSlaves))
			}
			Expect(got).To(Equal(append(append([]ConnPool{}, pools...), pools...)))
		})

		It("gives the master a turn in mixed mode", func() {
			b := NewRoundRobinBalancer(pools)
			var got []ConnPool
			for i := 0; i < 8; i++ {
				got = append(got, b.Next(ReadMixed))
			}
			Expect(got).To(Equal([]ConnPool{
				pools[0], pools[1], pools[2], nil,
				pools[0], pools[1], pools[2], nil,
			}))
		})

		It("returns nil without replicas", func() {
			b := NewRoundRobinBalancer(nil)
			Expect(b.Next(ReadSlaves)).To(BeNil())
			Expect(b.Pools()).To(BeEmpty())
		})
	})

	Describe("RandomBalancer", func() {
		It("only returns replicas outside mixed mode", func() {
			b := NewRandomBalancer(pools)
			for i := 0; i < 100; i++ {
				Expect(pools).To(ContainElement(b.Next(ReadMixedSlaves)))
			}
		})

		It("sometimes picks the master in mixed mode", func() {
			b := NewRandomBalancer(pools)
			masters := 0
			for i := 0; i < 1000; i++ {
				if b.Next(ReadMixed) == nil {
					masters++
				}
			}
			Expect(masters).To(BeNumerically(">", 0))
			Expect(masters).To(BeNumerically("<", 1000))
		})
	})

	Describe("RendezvousBalancer", func() {
		It("sticks a client to one replica", func() {
			factory := NewRendezvousBalancer("client-1")
			b := factory(pools)
			first := b.Next(ReadSlaves)
			Expect(first).NotTo(BeNil())
			for i := 0; i < 10; i++ {
				Expect(b.Next(ReadMixed)).To(BeIdenticalTo(first))
			}

			// The choice survives rebuilding the group.
			Expect(factory(pools).Next(ReadSlaves)).To(BeIdenticalTo(first))
		})

		It("spreads clients over the replicas", func() {
			seen := make(map[ConnPool]struct{})
			for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
				seen[NewRendezvousBalancer(key)(pools).Next(ReadSlaves)] = struct{}{}
			}
			Expect(len(seen)).To(BeNumerically(">", 1))
		})

		It("keeps the choice when another replica leaves", func() {
			factory := NewRendezvousBalancer("client-1")
			chosen := factory(pools).Next(ReadSlaves)

			var rest []ConnPool
			for _, p := range pools {
				if p != chosen {
					rest = append(rest, p)
				}
			}
			Expect(factory(append(rest[1:], chosen)).Next(ReadSlaves)).To(BeIdenticalTo(chosen))
		})

		It("returns nil without replicas", func() {
			Expect(NewRendezvousBalancer("client-1")(nil).Next(ReadSlaves)).To(BeNil())
		})
	})
})
