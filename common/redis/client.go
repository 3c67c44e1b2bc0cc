package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnml/orchestrator/common/faults"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with the datastore operations the pipeline uses:
// TTL-capped values, state hashes, streams and consumer groups.
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new datastore client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// Underlying returns the raw redis.Client for advanced operations
func (c *Client) Underlying() *redis.Client {
	return c.redis
}

// Ping verifies connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return faults.Wrap(faults.DatastoreUnavailable, err, "ping failed")
	}
	return nil
}

// SetValue sets a key with expiration (0 = no expiration)
func (c *Client) SetValue(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return faults.Wrap(faults.DatastoreUnavailable, err, "set "+key)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// GetValue retrieves a value by key. Missing keys map to faults.NotFound.
func (c *Client) GetValue(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", faults.Errorf(faults.NotFound, "key not found: %s", key)
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", faults.Wrap(faults.DatastoreUnavailable, err, "get "+key)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// KeyExists reports whether a key is currently observable
func (c *Client) KeyExists(ctx context.Context, key string) (bool, error) {
	n, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis EXISTS failed", "key", key, "error", err)
		return false, faults.Wrap(faults.DatastoreUnavailable, err, "exists "+key)
	}
	return n > 0, nil
}

// SetIfAbsent sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, faults.Wrap(faults.DatastoreUnavailable, err, "setnx "+key)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// DeleteKeys removes keys
func (c *Client) DeleteKeys(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return faults.Wrap(faults.DatastoreUnavailable, err, "del")
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// ExpireKeys applies a TTL to every given key. Used on terminal transitions
// to cap the lifetime of a request's cache and state footprint.
func (c *Client) ExpireKeys(ctx context.Context, expiry time.Duration, keys ...string) error {
	pipe := c.redis.Pipeline()
	for _, key := range keys {
		pipe.Expire(ctx, key, expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("redis EXPIRE pipeline failed", "key_count", len(keys), "error", err)
		return faults.Wrap(faults.DatastoreUnavailable, err, "expire keys")
	}
	c.logger.Debug("redis EXPIRE", "key_count", len(keys), "expiry", expiry)
	return nil
}

// SetHashFields writes fields of a hash in one round trip
func (c *Client) SetHashFields(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	err := c.redis.HSet(ctx, key, fields).Err()
	if err != nil {
		c.logger.Error("redis HSET failed", "key", key, "error", err)
		return faults.Wrap(faults.DatastoreUnavailable, err, "hset "+key)
	}
	c.logger.Debug("redis HSET", "key", key, "field_count", len(fields))
	return nil
}

// GetHashFields retrieves all fields and values of a hash. A missing hash
// yields an empty map, not an error.
func (c *Client) GetHashFields(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis HGETALL failed", "key", key, "error", err)
		return nil, faults.Wrap(faults.DatastoreUnavailable, err, "hgetall "+key)
	}
	c.logger.Debug("redis HGETALL", "key", key, "field_count", len(val))
	return val, nil
}

// IncrementHashField increments a hash field and returns the new value
func (c *Client) IncrementHashField(ctx context.Context, key, field string, increment int64) (int64, error) {
	val, err := c.redis.HIncrBy(ctx, key, field, increment).Result()
	if err != nil {
		c.logger.Error("redis HINCRBY failed", "key", key, "field", field, "error", err)
		return 0, faults.Wrap(faults.DatastoreUnavailable, err, "hincrby "+key)
	}
	c.logger.Debug("redis HINCRBY", "key", key, "field", field, "value", val)
	return val, nil
}

// AddToStream adds a record to a stream
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", faults.Wrap(faults.DatastoreUnavailable, err, "xadd "+stream)
	}
	c.logger.Debug("redis XADD", "stream", stream, "id", id)
	return id, nil
}

// EnsureGroup creates a consumer group at the given start position ("0" for
// the full stream, "$" for new records only). Existing groups are fine.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := c.redis.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		c.logger.Error("redis XGROUP CREATE failed", "stream", stream, "group", group, "error", err)
		return faults.Wrap(faults.DatastoreUnavailable, err, "xgroup create "+group)
	}
	c.logger.Debug("redis XGROUP CREATE", "stream", stream, "group", group, "start", start)
	return nil
}

// ReadGroup claims new records from a stream for a consumer group. A timeout
// with no records yields (nil, nil).
func (c *Client) ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XREADGROUP failed", "stream", stream, "group", group, "error", err)
		return nil, faults.Wrap(faults.DatastoreUnavailable, err, "xreadgroup "+stream)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		if s.Stream != stream {
			continue
		}
		messages = append(messages, s.Messages...)
	}
	c.logger.Debug("redis XREADGROUP", "stream", stream, "group", group, "message_count", len(messages))
	return messages, nil
}

// ReadTail reads a stream without a consumer group, starting after fromID
// ("$" for the current tail). Leaves no pending state and needs no ack.
func (c *Client) ReadTail(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
		Block:   block,
	}).Result()

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XREAD failed", "stream", stream, "error", err)
		return nil, faults.Wrap(faults.DatastoreUnavailable, err, "xread "+stream)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		if s.Stream != stream {
			continue
		}
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

// LastStreamID returns the ID of the newest record in a stream, or "0" when
// the stream is empty. Tail readers use it as a starting cursor so records
// written while the caller was busy elsewhere are not skipped.
func (c *Client) LastStreamID(ctx context.Context, stream string) (string, error) {
	entries, err := c.redis.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		c.logger.Error("redis XREVRANGE failed", "stream", stream, "error", err)
		return "", faults.Wrap(faults.DatastoreUnavailable, err, "xrevrange "+stream)
	}
	if len(entries) == 0 {
		return "0", nil
	}
	return entries[0].ID, nil
}

// AckMessage acknowledges a record in a stream
func (c *Client) AckMessage(ctx context.Context, stream, group, messageID string) error {
	err := c.redis.XAck(ctx, stream, group, messageID).Err()
	if err != nil {
		c.logger.Error("redis XACK failed", "stream", stream, "group", group, "message_id", messageID, "error", err)
		return faults.Wrap(faults.DatastoreUnavailable, err, "xack "+messageID)
	}
	c.logger.Debug("redis XACK", "stream", stream, "group", group, "message_id", messageID)
	return nil
}
