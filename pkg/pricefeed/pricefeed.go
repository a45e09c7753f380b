// Package pricefeed resolves the oracle feed the contract checks an
// execution's output against.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/dca-executor/pkg/logger"
)

// DefaultCacheTTL is how long an on-chain lookup is trusted
const DefaultCacheTTL = 5 * time.Minute

// ErrUnknownToken is returned when no feed is known for a token
var ErrUnknownToken = errors.New("no price feed for token")

// Resolver returns the price feed address for a token
type Resolver interface {
	Lookup(ctx context.Context, token string) (string, error)
}

// FeedSource looks a feed up on chain. An empty result means unknown.
type FeedSource interface {
	PriceFeedOf(ctx context.Context, token string) (string, error)
}

// Registry resolves feeds from a static table first and the on-chain
// registry second
type Registry struct {
	static map[string]string
	source FeedSource
	cache  *cache
	logger logger.Logger
}

var _ Resolver = (*Registry)(nil)

// NewRegistry creates a resolver. source may be nil to use the static table only.
func NewRegistry(static map[string]string, source FeedSource, ttl time.Duration, log logger.Logger) *Registry {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	normalized := make(map[string]string, len(static))
	for token, feed := range static {
		normalized[key(token)] = feed
	}
	return &Registry{
		static: normalized,
		source: source,
		cache:  newCache(ttl),
		logger: log.With("component", "pricefeed"),
	}
}

// Lookup implements Resolver
func (r *Registry) Lookup(ctx context.Context, token string) (string, error) {
	k := key(token)
	if feed, ok := r.static[k]; ok {
		return feed, nil
	}
	if feed, ok := r.cache.get(k); ok {
		return feed, nil
	}
	if r.source == nil {
		return "", fmt.Errorf("%w %s", ErrUnknownToken, token)
	}

	feed, err := r.source.PriceFeedOf(ctx, token)
	if err != nil {
		return "", err
	}
	if feed == "" {
		return "", fmt.Errorf("%w %s", ErrUnknownToken, token)
	}
	r.cache.set(k, feed)
	r.logger.Debug("Resolved price feed %s for %s", feed, token)
	return feed, nil
}

// ParseStatic parses "token=feed,token=feed" into a table
func ParseStatic(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, feed, ok := strings.Cut(pair, "=")
		token, feed = strings.TrimSpace(token), strings.TrimSpace(feed)
		if !ok || !common.IsHexAddress(token) || !common.IsHexAddress(feed) {
			return nil, fmt.Errorf("invalid price feed entry %q", pair)
		}
		out[token] = feed
	}
	return out, nil
}

func key(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// cache keeps feeds looked up on chain for a while
type cache struct {
	mu      sync.RWMutex
	entries map[string]cachedFeed
	ttl     time.Duration
}

type cachedFeed struct {
	feed      string
	timestamp time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{entries: make(map[string]cachedFeed), ttl: ttl}
}

func (c *cache) get(token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.entries[token]
	if !exists || time.Since(cached.timestamp) > c.ttl {
		return "", false
	}
	return cached.feed, true
}

func (c *cache) set(token, feed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = cachedFeed{feed: feed, timestamp: time.Now()}
}
