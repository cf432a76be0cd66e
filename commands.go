package redis

import (
	"context"
	"fmt"
	"time"
)

// Get returns the value of key. A missing key returns go-redis' Nil error.
func (c *ClusterClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.Do(ctx, c.opt.ReadMode, "GET", key)
	if err != nil {
		return "", err
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("redis: unexpected GET reply %T", val)
	}
	return s, nil
}

// Set stores value under key. A positive expiration sets a TTL with
// second or millisecond precision.
func (c *ClusterClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := make([]interface{}, 0, 3)
	args = append(args, value)
	if expiration > 0 {
		if usePrecise(expiration) {
			args = append(args, "PX", formatMs(expiration))
		} else {
			args = append(args, "EX", formatSec(expiration))
		}
	}
	_, err := c.Do(ctx, ReadMaster, "SET", key, args...)
	return err
}

// Del removes keys and returns how many existed. Keys are grouped by slot
// and every group is deleted with its own DEL on the owning master.
func (c *ClusterClient) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	for _, group := range keysBySlot(keys) {
		args := make([]interface{}, len(group)-1)
		for i, key := range group[1:] {
			args[i] = key
		}
		val, err := c.Do(ctx, ReadMaster, "DEL", group[0], args...)
		if err != nil {
			return n, err
		}
		deleted, _ := val.(int64)
		n += deleted
	}
	return n, nil
}

// Ping pings every master of the cluster.
func (c *ClusterClient) Ping(ctx context.Context) error {
	return c.ForEachMaster(ctx, func(ctx context.Context, cn Conn) error {
		pipe := cn.Pipeline()
		cmd := pipe.SendCmd(ctx, "PING")
		if err := pipe.Exec(ctx); err != nil {
			return &ConnectivityError{Addr: cn.Addr(), Err: err}
		}
		return cmd.Err()
	})
}

// keysBySlot groups keys by hash slot, keeping the order in which slots
// are first seen.
func keysBySlot(keys []string) [][]string {
	var groups [][]string
	index := make(map[int]int, len(keys))
	for _, key := range keys {
		slot := Slot(key)
		i, ok := index[slot]
		if !ok {
			i = len(groups)
			index[slot] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], key)
	}
	return groups
}

func usePrecise(dur time.Duration) bool {
	return dur < time.Second || dur%time.Second != 0
}

func formatMs(dur time.Duration) int64 {
	if dur > 0 && dur < time.Millisecond {
		return 1
	}
	return int64(dur / time.Millisecond)
}

func formatSec(dur time.Duration) int64 {
	if dur > 0 && dur < time.Second {
		return 1
	}
	return int64(dur / time.Second)
}
