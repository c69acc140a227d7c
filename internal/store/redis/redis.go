package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

var ctx = context.Background()

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping() error {
	return r.client.Ping(ctx).Err()
}

// Cooldown returns the remaining resend cooldown for a phone number.
// A missing key yields zero.
func (r *Redis) Cooldown(number string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.cooldownKey(number)).Result()
	if err != nil {
		return 0, err
	}

	// PTTL returns a negative duration for missing keys and keys
	// without an expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// ClaimCooldown atomically starts the resend window for a phone number.
// SET NX makes concurrent claims race safely; only one wins.
func (r *Redis) ClaimCooldown(number string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.cooldownKey(number), 1, ttl).Result()
}

// ReleaseCooldown clears a claimed resend window.
func (r *Redis) ReleaseCooldown(number string) error {
	return r.client.Del(ctx, r.cooldownKey(number)).Err()
}

// Burn atomically marks a commitment digest as consumed for the given
// ttl. Only the first caller for a digest gets true.
func (r *Redis) Burn(digest string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.burnKey(digest), 1, ttl).Result()
}

func (r *Redis) cooldownKey(number string) string {
	return fmt.Sprintf("%s:cooldown:%s", r.conf.KeyPrefix, number)
}

func (r *Redis) burnKey(digest string) string {
	return fmt.Sprintf("%s:burn:%s", r.conf.KeyPrefix, digest)
}
