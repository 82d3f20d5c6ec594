// Package redis implements store.Store directly on top of go-redis.
// Suitable for high-throughput ephemeral workloads. Jobs use Sorted Sets as
// queues, events use Streams; jobs, DLQ entries, events and workers are stored
// as Hashes and cron entries as JSON.
//
// The caller owns the *redis.Client lifecycle -- this package never closes
// it. Pass the client through the constructor:
//
//	import (
//	    goredis "github.com/redis/go-redis/v9"
//	    "github.com/skriken/openqueue/store/redis"
//	)
//
//	store := redis.New(goredis.NewClient(&goredis.Options{Addr: "localhost:6379"}))
//	if err := store.Ping(ctx); err != nil { ... }
package redis
