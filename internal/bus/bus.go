// Package bus is the Event Bus Client (component C): a go-redis/v8
// connection exposing the three channel families named in spec.md §4.3/§6.2
// (meetings_status publish, bot_commands publish, and the
// meeting_current_session KV cache), grounded on the teacher's
// internal/db/redis.go (UniversalClient construction, env-driven config,
// Sentinel/Cluster support) and internal/cache/redis.go (in-memory-fallback
// cache shape, adapted here to a short-lived local read-through cache rather
// than a Redis substitute).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"meetingbot/internal/logging"
	"meetingbot/internal/metrics"
)

const sessionCacheTTL = 24 * time.Hour

// Config mirrors the teacher's RedisConfig shape, carried through
// unchanged since Sentinel/Cluster support costs nothing to keep even
// though this domain only needs a standard connection in the common case.
type Config struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	SentinelAddrs    []string
	SentinelMaster   string
	SentinelPassword string
	ClusterAddrs     []string
}

// DefaultConfig returns sensible connection defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// ConfigFromEnv builds a Config from REDIS_* environment variables,
// following the teacher's RedisConfigFromEnv convention.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.URL = url
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			cfg.DB = d
		}
	}
	if addrs := os.Getenv("REDIS_SENTINEL_ADDRS"); addrs != "" {
		cfg.SentinelAddrs = strings.Split(addrs, ",")
	}
	if master := os.Getenv("REDIS_SENTINEL_MASTER"); master != "" {
		cfg.SentinelMaster = master
	}
	if addrs := os.Getenv("REDIS_CLUSTER_ADDRS"); addrs != "" {
		cfg.ClusterAddrs = strings.Split(addrs, ",")
	}
	return cfg
}

// StatusEvent is the payload published on meetings_status::<platform>:<native_id>.
type StatusEvent struct {
	Type    string `json:"type"`
	Meeting struct {
		Platform string `json:"platform"`
		NativeID string `json:"native_id"`
	} `json:"meeting"`
	Payload struct {
		Status string `json:"status"`
	} `json:"payload"`
	Timestamp time.Time `json:"ts"`
}

// Command is the payload published on bot_commands:<session_uid>.
type Command struct {
	Action   string `json:"action"`
	UID      string `json:"uid,omitempty"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task,omitempty"`
}

// cacheEntry is a short-lived local copy of a Redis read; it is never the
// source of truth and is only used to cut down on round trips within a
// single reconfigure burst.
type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Client wraps redis.UniversalClient with the bus's channel/key conventions.
type Client struct {
	rdb   redis.UniversalClient
	local map[string]cacheEntry
	mu    sync.Mutex
}

// New connects to Redis, preferring Cluster, then Sentinel, then a standard
// client, exactly as the teacher's NewRedisClient does.
func New(cfg *Config) (*Client, error) {
	var rdb redis.UniversalClient

	switch {
	case len(cfg.ClusterAddrs) > 0:
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	case len(cfg.SentinelAddrs) > 0 && cfg.SentinelMaster != "":
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.SentinelMaster,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
			PoolSize:         cfg.PoolSize,
			MinIdleConns:     cfg.MinIdleConns,
			DialTimeout:      cfg.DialTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		})
	default:
		opts := &redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		if cfg.URL != "" {
			parsed, err := redis.ParseURL(cfg.URL)
			if err != nil {
				return nil, fmt.Errorf("bus: invalid redis url: %w", err)
			}
			opts = parsed
		}
		rdb = redis.NewClient(opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	c := &Client{rdb: rdb, local: make(map[string]cacheEntry)}
	go c.reconnectWatchdog()
	return c, nil
}

// reconnectWatchdog pings on a jittered backoff and logs sustained outages;
// go-redis already retries individual commands internally, this adds an
// application-level signal for operators, following the original Python
// bot-manager's exponential-backoff reconnect behavior (supplemented from
// original_source/, not present in the teacher).
func (c *Client) reconnectWatchdog() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff)/2+1)))
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := c.rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logging.S().Warnw("bus reconnect watchdog: ping failed", "backoff", backoff, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func statusChannel(platform, nativeID string) string {
	return fmt.Sprintf("meetings_status::%s:%s", platform, nativeID)
}

func commandChannel(sessionUID string) string {
	return fmt.Sprintf("bot_commands:%s", sessionUID)
}

func sessionCacheKey(platform, nativeID string) string {
	return fmt.Sprintf("meeting_current_session::%s:%s", platform, nativeID)
}

// PublishStatus publishes a meeting.status event. Publish failures are
// logged and swallowed — the bus is best-effort and a state mutation that
// already committed must never be rolled back because of it.
func (c *Client) PublishStatus(ctx context.Context, platform, nativeID, status string) {
	ev := StatusEvent{Type: "meeting.status", Timestamp: time.Now().UTC()}
	ev.Meeting.Platform = platform
	ev.Meeting.NativeID = nativeID
	ev.Payload.Status = status

	payload, err := json.Marshal(ev)
	if err != nil {
		logging.S().Errorw("bus: marshal status event", "error", err)
		return
	}
	err = c.rdb.Publish(ctx, statusChannel(platform, nativeID), payload).Err()
	metrics.Get().RecordBusPublish("meetings_status", err)
	if err != nil {
		logging.S().Warnw("bus: publish status failed", "channel", statusChannel(platform, nativeID), "error", err)
	}
}

// PublishCommand publishes a bot_commands action on the given session_uid's channel.
func (c *Client) PublishCommand(ctx context.Context, sessionUID string, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bus: marshal command: %w", err)
	}
	err = c.rdb.Publish(ctx, commandChannel(sessionUID), payload).Err()
	metrics.Get().RecordBusPublish("bot_commands", err)
	if err != nil {
		logging.S().Warnw("bus: publish command failed", "session_uid", sessionUID, "error", err)
		return err
	}
	return nil
}

// Subscribe returns a pub/sub handle for the given channels. The subscriber
// hub does not use it; the publisher feeds the hub directly.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// SetCurrentSession caches session_uid for (platform, native id) with the
// 24h TTL named in spec.md §4.3. Cache write failures are tolerated.
func (c *Client) SetCurrentSession(ctx context.Context, platform, nativeID, sessionUID string) {
	key := sessionCacheKey(platform, nativeID)
	if err := c.rdb.Set(ctx, key, sessionUID, sessionCacheTTL).Err(); err != nil {
		logging.S().Warnw("bus: cache set failed", "key", key, "error", err)
		return
	}
	c.mu.Lock()
	c.local[key] = cacheEntry{value: sessionUID, expiresAt: time.Now().Add(5 * time.Second)}
	c.mu.Unlock()
}

// CurrentSession reads the cached session_uid, trying a short-lived local
// copy first, then Redis. Absence is tolerated by the caller, which falls
// back to the store's slow-path session query.
func (c *Client) CurrentSession(ctx context.Context, platform, nativeID string) (string, bool) {
	key := sessionCacheKey(platform, nativeID)

	c.mu.Lock()
	if entry, ok := c.local[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.value, true
	}
	c.mu.Unlock()

	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	c.mu.Lock()
	c.local[key] = cacheEntry{value: val, expiresAt: time.Now().Add(5 * time.Second)}
	c.mu.Unlock()
	return val, true
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
