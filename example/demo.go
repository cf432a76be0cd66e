package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	redis "github.com/ljluestc/go-redis-slotcache"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx := context.Background()
	client, err := redis.NewClusterClient(ctx, &redis.ClusterOptions{
		Addrs:              []string{"localhost:7000", "localhost:7001", "localhost:7002"},
		ReadMode:           redis.ReadMixed,
		OptimisticReads:    true,
		MinRefreshInterval: 100 * time.Millisecond,
		Logger:             logger,
	})
	if err != nil {
		panic(err)
	}
	defer client.Close()

	go redis.NewRefresher(client.SlotCache(), 30*time.Second).Run(ctx)

	if err := client.Set(ctx, "key", "value", time.Minute); err != nil {
		panic(err)
	}

	val, err := client.Get(ctx, "key")
	if err != nil {
		panic(err)
	}
	fmt.Println("key", val)

	for _, s := range client.SlotCache().Slots() {
		fmt.Printf("%5d-%-5d %s %v\n", s.Start, s.End, s.Master, s.Replicas)
	}
}
