package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisOpTimeout = 3 * time.Second
	lockRetry      = 25 * time.Millisecond
)

// unlockScript 只删除仍由自己持有的锁。
var unlockScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis 把凭证与登录标记保存在 Redis 中，供多个无界面 worker 共享同一账号。
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr, password, prefix string) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix)
}

func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "cvc"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + ":" + k }

func (r *Redis) Save(key Key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Set(ctx, r.key(string(key)), value, 0).Err()
}

func (r *Redis) Read(key Key) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, r.key(string(key))).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *Redis) Delete(key Key) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.key(string(key))).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (r *Redis) LoggedIn() bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, r.key("isLoggedIn")).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("read login flag")
		}
		return false
	}
	return val == "1"
}

func (r *Redis) SetLoggedIn(v bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	val := "0"
	if v {
		val = "1"
	}
	return r.client.Set(ctx, r.key("isLoggedIn"), val, 0).Err()
}

// Lock 用 SET NX PX 获取名为 name 的锁，持有者令牌保证只释放自己的锁。
func (r *Redis) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := r.key("lock:" + name)
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
	unlock := func() {
		uctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if err := unlockScript.Run(uctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("lock", name).Msg("release redis lock")
		}
	}
	return unlock, nil
}

func (r *Redis) Close() error { return r.client.Close() }
