package redis

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ljluestc/go-redis-slotcache/internal/hashtag"
)

// HashSlots is the number of hash slots in a cluster keyspace.
const HashSlots = hashtag.SlotNumber

// Slot returns the hash slot of the key, honouring {hashtags}.
func Slot(key string) int {
	return hashtag.Slot(key)
}

// HostPort is the comparable routing key of a cluster node.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// ClusterNode identifies a node of the cluster. Two nodes with the same
// host and port are the same node for routing purposes, whatever their ID.
type ClusterNode struct {
	Host string
	Port int
	ID   string
}

// ParseClusterNode builds a node from a host:port address.
func ParseClusterNode(addr, id string) (ClusterNode, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ClusterNode{}, fmt.Errorf("redis: invalid node address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ClusterNode{}, fmt.Errorf("redis: invalid node port in %q", addr)
	}
	return ClusterNode{Host: host, Port: port, ID: id}, nil
}

// HostPort returns the key used to look the node up in the node maps.
func (n ClusterNode) HostPort() HostPort {
	return HostPort{Host: n.Host, Port: n.Port}
}

// Addr returns the host:port address of the node.
func (n ClusterNode) Addr() string {
	return n.HostPort().String()
}

func (n ClusterNode) String() string {
	if n.ID == "" {
		return n.Addr()
	}
	return n.Addr() + "@" + n.ID
}

// ClusterSlot is one range of a CLUSTER SLOTS reply. End is inclusive.
type ClusterSlot struct {
	Start    int
	End      int
	Master   ClusterNode
	Replicas []ClusterNode
}

func (s ClusterSlot) valid() bool {
	return s.Start >= 0 && s.End < HashSlots && s.Start <= s.End
}

// ReadMode selects which nodes serve a slot.
type ReadMode int

const (
	// ReadMaster routes everything to slot masters.
	ReadMaster ReadMode = iota
	// ReadSlaves routes to replicas, falling back to the master when a
	// slot has none.
	ReadSlaves
	// ReadMixed balances between the master and its replicas.
	ReadMixed
	// ReadMixedSlaves balances between replicas and uses the master only
	// when no replica is available.
	ReadMixedSlaves
)

func (m ReadMode) String() string {
	switch m {
	case ReadMaster:
		return "master"
	case ReadSlaves:
		return "slaves"
	case ReadMixed:
		return "mixed"
	case ReadMixedSlaves:
		return "mixed-slaves"
	default:
		return "ReadMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseReadMode parses the names returned by ReadMode.String.
func ParseReadMode(s string) (ReadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "master", "masters":
		return ReadMaster, nil
	case "slaves", "slave", "replicas":
		return ReadSlaves, nil
	case "mixed":
		return ReadMixed, nil
	case "mixed-slaves", "mixed_slaves":
		return ReadMixedSlaves, nil
	}
	return ReadMaster, fmt.Errorf("redis: unknown read mode %q", s)
}

func (m ReadMode) usesSlaves() bool {
	return m != ReadMaster
}
