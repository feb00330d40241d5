package session

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"

	"gmcoin.meme/gm-verify/internal/config"
	"gmcoin.meme/gm-verify/pkg/log"
)

var (
	Redis       *redis.Client
	RateLimiter *redis_rate.Limiter
)

const durableTTL = time.Hour * 24 * 30

// Init connects the durable scope to redis. Storage being unavailable is a
// degraded mode, not a failure: the flow keeps working from the current
// session only.
func Init(cred *config.DBCredential) Scopes {
	scopes := Scopes{Volatile: NewMemoryStore()}
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	client := redis.NewClient(&redis.Options{
		Addr: cred.GetRedisAddress(),
		DB:   int(db),
	})
	if _, err := client.Ping(context.TODO()).Result(); err != nil {
		log.Warnf("ping to redis:%v, durable session scope degraded to memory", err)
		client.Close()
		scopes.Durable = NewMemoryStore()
		return scopes
	}
	Redis = client
	RateLimiter = redis_rate.NewLimiter(Redis)
	scopes.Durable = &redisStore{client: client, prefix: "gm-verify:session:"}
	log.Info("Connected to redis, durable session scope enabled.")
	return scopes
}

func Close() {
	if Redis != nil {
		Redis.Close()
		Redis = nil
		RateLimiter = nil
	}
}

type redisStore struct {
	client *redis.Client
	prefix string
}

func (in *redisStore) Get(key string) string {
	val, err := in.client.Get(context.TODO(), in.prefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warnf("read session key %v:%v", key, err)
		}
		return ""
	}
	return val
}

func (in *redisStore) Set(key, value string) {
	if err := in.client.Set(context.TODO(), in.prefix+key, value, durableTTL).Err(); err != nil {
		log.Warnf("write session key %v:%v", key, err)
	}
}

func (in *redisStore) Remove(key string) {
	if err := in.client.Del(context.TODO(), in.prefix+key).Err(); err != nil {
		log.Warnf("remove session key %v:%v", key, err)
	}
}
