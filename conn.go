package redis

import (
	"context"
	"net"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cmdConn is the part of *goredis.Conn and *goredis.Client used here.
type cmdConn interface {
	ClusterSlots(ctx context.Context) *goredis.ClusterSlotsCmd
	Pipeline() goredis.Pipeliner
}

// redisConn adapts a go-redis connection or client to Conn.
type redisConn struct {
	addr  string
	cn    cmdConn
	log   *zap.Logger
	close func() error
}

var _ Conn = (*redisConn)(nil)

func (c *redisConn) Addr() string {
	return c.addr
}

func (c *redisConn) ClusterSlots(ctx context.Context) ([]ClusterSlot, error) {
	slots, err := c.cn.ClusterSlots(ctx).Result()
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(c.addr)
	return convertClusterSlots(slots, host, c.log), nil
}

func (c *redisConn) Pipeline() Pipeliner {
	return &pipeline{pipe: c.cn.Pipeline()}
}

func (c *redisConn) Close() error {
	return c.close()
}

// convertClusterSlots turns a go-redis CLUSTER SLOTS reply into slot
// ranges. The first node of a range is the master. Nodes announced
// without a host live on the host that was queried. A range whose master
// cannot be parsed is dropped; bad replicas are skipped.
func convertClusterSlots(slots []goredis.ClusterSlot, queriedHost string, log *zap.Logger) []ClusterSlot {
	ranges := make([]ClusterSlot, 0, len(slots))
	for _, s := range slots {
		if len(s.Nodes) == 0 {
			log.Warn("slot range without master",
				zap.Int("start", s.Start),
				zap.Int("end", s.End))
			continue
		}

		master, err := toClusterNode(s.Nodes[0], queriedHost)
		if err != nil {
			log.Warn("skipping slot range with bad master",
				zap.Int("start", s.Start),
				zap.Int("end", s.End),
				zap.Error(err))
			continue
		}

		r := ClusterSlot{Start: s.Start, End: s.End, Master: master}
		for _, n := range s.Nodes[1:] {
			replica, err := toClusterNode(n, queriedHost)
			if err != nil {
				log.Warn("skipping bad replica",
					zap.String("addr", n.Addr),
					zap.Error(err))
				continue
			}
			r.Replicas = append(r.Replicas, replica)
		}
		ranges = append(ranges, r)
	}
	return ranges
}

func toClusterNode(n goredis.ClusterNode, queriedHost string) (ClusterNode, error) {
	node, err := ParseClusterNode(n.Addr, n.ID)
	if err != nil {
		return ClusterNode{}, err
	}
	if node.Host == "" {
		node.Host = queriedHost
	}
	return node, nil
}
