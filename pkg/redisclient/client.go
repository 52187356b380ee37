/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package redisclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils"
	backoffutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/backoff"
)

const (
	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 10 * time.Second
	reconnectMaxElapsedTime    = 3 * time.Second
	reconnectMaxInterval       = time.Second
)

// Operation is a unit of Redis work executed through the client. The client
// owns reconnect and health accounting; operations must not retry themselves.
type Operation func(ctx context.Context, rdb *redis.Client) error

// Stats is a point-in-time snapshot of the client's health accounting.
type Stats struct {
	Connected    bool   `json:"connected"`
	Healthy      bool   `json:"healthy"`
	LastError    string `json:"last_error,omitempty"`
	FailureCount int64  `json:"failure_count"`
	URL          string `json:"url"`
}

// Client is the single connection surface to Redis. All shared state of the
// instance manager lives behind it. It keeps a cached connectivity flag,
// counts transport failures through a circuit breaker, and transparently
// attempts one reconnect before reporting an operation as failed.
type Client struct {
	rdb     *redis.Client
	opts    *redis.Options
	breaker *gobreaker.CircuitBreaker

	mu           sync.RWMutex
	healthy      bool
	lastError    string
	failureCount int64

	cacheMu     sync.Mutex
	cachedConn  bool
	cachedAt    time.Time
	cacheTTL    time.Duration
	maskedURL   string
	healthEvery time.Duration
}

// New builds a Client from the configured Redis URL and verifies the initial
// connection with a ping.
func New(ctx context.Context) (*Client, error) {
	rawURL := config.GetRedisURL()
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	socketTimeout := time.Duration(config.GetRedisSocketTimeoutSecond()) * time.Second
	opts.PoolSize = config.GetRedisMaxConnections()
	opts.DialTimeout = socketTimeout
	opts.ReadTimeout = socketTimeout
	opts.WriteTimeout = socketTimeout

	c := &Client{
		rdb:         redis.NewClient(opts),
		opts:        opts,
		cacheTTL:    time.Duration(config.GetRedisCacheTTLSecond() * float64(time.Second)),
		maskedURL:   utils.MaskURL(rawURL),
		healthEvery: time.Duration(config.GetRedisHealthCheckIntervalSecond()) * time.Second,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return !isTransportError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Warningf("redis circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.markUnhealthy(err)
		klog.ErrorS(err, "initial redis ping failed", "url", c.maskedURL)
	} else {
		c.markHealthy()
		klog.Infof("connected to redis at %s, pool size %d", c.maskedURL, opts.PoolSize)
	}
	return c, nil
}

// Execute runs op through the circuit breaker. On a transport failure it
// marks the client unhealthy, attempts one reconnect, and retries the
// operation once. Non-transport errors (redis.Nil and friends) pass through
// untouched.
func (c *Client) Execute(ctx context.Context, op Operation) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.executeOnce(ctx, op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open", commonerrors.ErrRedisUnavailable)
	}
	return err
}

func (c *Client) executeOnce(ctx context.Context, op Operation) error {
	err := op(ctx, c.db())
	if err == nil || !isTransportError(err) {
		if err == nil {
			c.markHealthy()
		}
		return err
	}
	c.markUnhealthy(err)
	if rerr := c.reconnect(ctx); rerr != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrRedisUnavailable, err)
	}
	if err = op(ctx, c.db()); err != nil {
		if isTransportError(err) {
			c.markUnhealthy(err)
			return fmt.Errorf("%w: %v", commonerrors.ErrRedisUnavailable, err)
		}
		return err
	}
	c.markHealthy()
	return nil
}

func (c *Client) db() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

// IsConnected returns the cached connectivity status, refreshed by a ping at
// most once per cache TTL.
func (c *Client) IsConnected(ctx context.Context) bool {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if time.Since(c.cachedAt) < c.cacheTTL {
		return c.cachedConn
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	err := c.db().Ping(pingCtx).Err()
	c.cachedConn = err == nil
	c.cachedAt = time.Now()
	if err == nil {
		c.markHealthy()
	} else {
		c.markUnhealthy(err)
	}
	return c.cachedConn
}

// Healthy reports whether the last Redis interaction succeeded.
func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Stats returns a snapshot for introspection endpoints. The URL is masked.
func (c *Client) Stats(ctx context.Context) Stats {
	connected := c.IsConnected(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Connected:    connected,
		Healthy:      c.healthy,
		LastError:    c.lastError,
		FailureCount: c.failureCount,
		URL:          c.maskedURL,
	}
}

// Run pings Redis on the configured interval until the context is done.
// Health transitions are logged once per change by the mark helpers.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
			if err := c.db().Ping(pingCtx).Err(); err != nil {
				c.markUnhealthy(err)
			} else {
				c.markHealthy()
			}
			cancel()
		}
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db().Close()
}

func (c *Client) reconnect(ctx context.Context) error {
	return backoffutils.Retry(func() error {
		fresh := redis.NewClient(c.opts)
		if err := fresh.Ping(ctx).Err(); err != nil {
			_ = fresh.Close()
			return err
		}
		old := c.swap(fresh)
		if old != nil {
			_ = old.Close()
		}
		return nil
	}, reconnectMaxElapsedTime, reconnectMaxInterval)
}

func (c *Client) swap(fresh *redis.Client) *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.rdb
	c.rdb = fresh
	return old
}

func (c *Client) markHealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		klog.Infof("redis connection healthy, url: %s", c.maskedURL)
	}
	c.healthy = true
}

func (c *Client) markUnhealthy(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastError = err.Error()
	if c.healthy {
		klog.ErrorS(err, "redis connection degraded", "url", c.maskedURL, "failures", c.failureCount)
	}
	c.healthy = false
}

// isTransportError reports whether err indicates the Redis server could not
// be reached, as opposed to an application-level reply such as redis.Nil.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "client is closed")
}
