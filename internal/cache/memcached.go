package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/IliaW/doc-harvester/config"
)

var (
	ThresholdReachedError = errors.New("threshold reached")
)

// ThresholdClient counts scan and archive operations per root domain within a time window.
type ThresholdClient interface {
	IncrementThreshold(rootDomain string) error
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	mu     sync.Mutex
}

// NewThresholdClient returns a memcached client, or a no-op one when no servers are configured.
func NewThresholdClient(cfg *config.CacheConfig) (ThresholdClient, error) {
	if cfg == nil || len(cfg.Servers) == 0 {
		slog.Info("memcached servers are not configured. Domain threshold is disabled.")
		return NoopClient{}, nil
	}
	return NewMemcachedClient(cfg)
}

func NewMemcachedClient(cfg *config.CacheConfig) (*MemcachedClient, error) {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	if err := ss.SetServers(cfg.Servers...); err != nil {
		return nil, fmt.Errorf("set memcached servers: %w", err)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cfg,
	}
	slog.Info("pinging the memcached.")
	if err := c.client.Ping(); err != nil {
		return nil, fmt.Errorf("ping memcached: %w", err)
	}
	slog.Info("connected to memcached!")

	return c, nil
}

// IncrementThreshold fails with ThresholdReachedError once the domain has used up its budget for
// the current window. The first operation opens the window.
func (mc *MemcachedClient) IncrementThreshold(rootDomain string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	key := thresholdKey(rootDomain)
	value, err := mc.client.Increment(key, 0) // returns current value
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			slog.Debug("cache not found. Creating new threshold.", slog.String("domain", rootDomain))
			err = mc.client.Set(&memcache.Item{
				Key:        key,
				Value:      []byte(strconv.Itoa(1)),
				Expiration: int32(mc.cfg.TtlForThreshold.Seconds()),
			})
			if err != nil {
				slog.Error("failed to create new counter for the domain.", slog.String("domain", rootDomain),
					slog.String("err", err.Error()))
				return err
			}
			return nil
		}
		slog.Error("failed to increment the threshold.", slog.String("domain", rootDomain),
			slog.String("key", key), slog.String("err", err.Error()))
		return err
	}
	if value >= mc.cfg.Threshold {
		slog.Info("threshold reached.", slog.String("domain", rootDomain), slog.Uint64("value", value))
		return ThresholdReachedError
	}
	value, err = mc.client.Increment(key, 1)
	if err != nil {
		return err
	}
	slog.Debug("new value is set.", slog.String("key", key), slog.Uint64("value", value))
	return nil
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	if err := mc.client.Close(); err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

type NoopClient struct{}

func (NoopClient) IncrementThreshold(string) error { return nil }

func (NoopClient) Close() {}

func thresholdKey(rootDomain string) string {
	hash := sha256.Sum256([]byte(rootDomain))
	return hex.EncodeToString(hash[:]) + "-threshold"
}
