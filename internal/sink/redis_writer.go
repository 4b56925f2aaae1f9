package sink

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthscope/internal/book"
)

// DefaultKeyPrefix namespaces the hashes RedisWriter maintains.
const DefaultKeyPrefix = "depth"

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by *GoRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedisClient adapts *redis.Client to RedisClient.
type GoRedisClient struct {
	rdb *redis.Client
}

// NewGoRedisClient opens a client for the given options. The connection is
// established lazily; call Ping to fail fast.
func NewGoRedisClient(opts *redis.Options) *GoRedisClient {
	return &GoRedisClient{rdb: redis.NewClient(opts)}
}

// HSet implements RedisClient.
func (c *GoRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return c.rdb.HSet(ctx, key, values...).Err()
}

// Ping checks the server is reachable.
func (c *GoRedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}

// redisFields is the last-written hash for a key so repeats can be skipped.
type redisFields struct {
	Bid, Ask, Spread, Mid, Imbalance, Crossed string
}

// RedisWriter mirrors the latest top-of-book metrics for every product into
// Redis using the schema:
//
//	Key:    {prefix}:{product}
//	Fields: bid, ask, spread, mid, imbalance, crossed, ts
//
// Absent values are written as empty strings. Writes are non-blocking:
// ticks are buffered in an internal channel and flushed by a dedicated
// goroutine. Ticks whose metrics match the previous write are suppressed.
type RedisWriter struct {
	client RedisClient
	prefix string
	logger *zap.Logger
	feed   <-chan Tick
	buf    chan Tick

	mu   sync.Mutex
	last map[string]redisFields // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from a Broadcaster's
// Subscribe channel. An empty prefix uses DefaultKeyPrefix.
func NewRedisWriter(client RedisClient, feed <-chan Tick, prefix string, logger *zap.Logger) *RedisWriter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisWriter{
		client: client,
		prefix: prefix,
		logger: logger.Named("redis"),
		feed:   feed,
		buf:    make(chan Tick, 1024),
		last:   make(map[string]redisFields),
	}
}

// Run starts two goroutines: one to drain the feed into an internal
// buffer, and one to flush buffered ticks to Redis. It blocks until ctx is
// cancelled or the feed is closed.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(rw.buf)
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- t:
				default:
					// Buffer full, drop to keep up.
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for t := range rw.buf {
			if ctx.Err() != nil {
				return
			}
			rw.write(ctx, t)
		}
	}()

	wg.Wait()
}

func (rw *RedisWriter) write(ctx context.Context, t Tick) {
	key := rw.prefix + ":" + t.Product
	f := redisFields{
		Bid:       formatNull(t.BestBid),
		Ask:       formatNull(t.BestAsk),
		Spread:    formatNull(t.Spread),
		Mid:       formatNull(t.MidPrice),
		Imbalance: formatNull(t.Imbalance),
		Crossed:   strconv.FormatBool(t.Crossed),
	}

	rw.mu.Lock()
	if prev, ok := rw.last[key]; ok && prev == f {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = f
	rw.mu.Unlock()

	ts := strconv.FormatInt(t.Time.UnixMilli(), 10)
	err := rw.client.HSet(ctx, key,
		"bid", f.Bid,
		"ask", f.Ask,
		"spread", f.Spread,
		"mid", f.Mid,
		"imbalance", f.Imbalance,
		"crossed", f.Crossed,
		"ts", ts,
	)
	if err != nil {
		rw.logger.Error("hset failed", zap.String("key", key), zap.Error(err))
		// Allow a retry on the next identical tick.
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
	}
}

func formatNull(n book.NullFloat) string {
	if !n.Valid {
		return ""
	}
	return strconv.FormatFloat(n.Float64, 'f', -1, 64)
}
