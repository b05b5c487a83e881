package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeflow/meshgate/internal/pipeline"
)

// RedisRateStore implements pipeline.GroupRateStore against Redis, so
// a fleet of gateways addressing the same ZigBee group/broadcast
// traffic shares one send-delay clock. Store errors
// are logged-and-ignored by the caller's contract: LastSend reports
// "no record" on any failure, letting the pipeline fall through to
// its own send-delay gate rather than stall dispatch on a Redis blip.
type RedisRateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ pipeline.GroupRateStore = (*RedisRateStore)(nil)

// NewRedisRateStore opens a client against addr (host:port) and
// verifies connectivity with a short-lived ping.
func NewRedisRateStore(addr, password string, db int) (*RedisRateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: connect redis rate store: %w", err)
	}

	return &RedisRateStore{client: client, prefix: "meshgate:group_send", ttl: time.Hour}, nil
}

func (r *RedisRateStore) key(groupAddr uint16) string {
	return fmt.Sprintf("%s:%d", r.prefix, groupAddr)
}

// LastSend returns the last recorded send time for groupAddr, or
// ok=false if nothing is recorded or Redis could not be reached.
func (r *RedisRateStore) LastSend(ctx context.Context, groupAddr uint16) (time.Time, bool) {
	val, err := r.client.Get(ctx, r.key(groupAddr)).Result()
	if err != nil {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// MarkSent records at as the last-send time for groupAddr.
func (r *RedisRateStore) MarkSent(ctx context.Context, groupAddr uint16, at time.Time) {
	r.client.Set(ctx, r.key(groupAddr), at.UnixNano(), r.ttl)
}

// Close closes the underlying Redis client.
func (r *RedisRateStore) Close() error {
	return r.client.Close()
}
