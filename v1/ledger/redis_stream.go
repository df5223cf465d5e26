package ledger

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds all configuration for the Redis Streams ledger
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
	// MaxPayloadBytes rejects oversize payloads before they reach Redis; 0 disables the check.
	MaxPayloadBytes int
}

// submitScript appends the payload once per digest. A replay returns the stream ID of the first XADD.
var submitScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
  return existing
end
local id = redis.call('XADD', KEYS[1], '*', 'digest', ARGV[1], 'payload', ARGV[2])
redis.call('SET', KEYS[2], id)
return id
`)

// RedisStreamLedger is a LedgerLog backed by Redis Streams. Each topic is a stream and the
// XADD message ID is the transaction reference.
type RedisStreamLedger struct {
	client          *redis.Client
	maxPayloadBytes int
}

// NewRedisStreamLedger creates and connects a Redis Streams ledger.
func NewRedisStreamLedger(cfg *RedisConfig) (*RedisStreamLedger, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStreamLedger{client: rdb, maxPayloadBytes: cfg.MaxPayloadBytes}, nil
}

// NewRedisStreamLedgerFromClient wraps an existing client.
func NewRedisStreamLedgerFromClient(client *redis.Client) *RedisStreamLedger {
	return &RedisStreamLedger{client: client}
}

// Submit appends payload to the topic stream, deduplicated by payload digest.
func (l *RedisStreamLedger) Submit(ctx context.Context, topic string, payload []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: empty topic", ErrRejected)
	}
	if l.maxPayloadBytes > 0 && len(payload) > l.maxPayloadBytes {
		return "", fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrRejected, len(payload), l.maxPayloadBytes)
	}

	digest := Digest(payload)
	ref, err := submitScript.Run(ctx, l.client, []string{topic, dedupeKey(topic, digest)}, digest, string(payload)).Text()
	if err != nil {
		return "", fmt.Errorf("failed to XADD to stream %s: %w", topic, err)
	}
	return ref, nil
}

// Verify reports whether reference on topic holds exactly payload.
func (l *RedisStreamLedger) Verify(ctx context.Context, topic, reference string, payload []byte) (bool, error) {
	msgs, err := l.client.XRange(ctx, topic, reference, reference).Result()
	if err != nil {
		return false, fmt.Errorf("failed to XRANGE stream %s: %w", topic, err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	stored, _ := msgs[0].Values["payload"].(string)
	digest, _ := msgs[0].Values["digest"].(string)
	return stored == string(payload) && digest == Digest(payload), nil
}

// Len returns the number of entries on a topic.
func (l *RedisStreamLedger) Len(ctx context.Context, topic string) (int64, error) {
	n, err := l.client.XLen(ctx, topic).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return n, nil
}

// Ping checks the Redis connection.
func (l *RedisStreamLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close gracefully closes the Redis connection.
func (l *RedisStreamLedger) Close() error {
	return l.client.Close()
}

func dedupeKey(topic, digest string) string {
	return topic + ":digest:" + digest
}
