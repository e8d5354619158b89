// SPDX-License-Identifier: GPL-3.0-or-later

package doqres

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

// ErrTransferNotSupported is returned for zone-transfer queries. A DoQ
// stream here carries exactly one response, so AXFR and IXFR are
// refused outright rather than silently truncated.
const ErrTransferNotSupported errors.Error = "zone transfer queries are not supported"

// defaultCacheCount is the number of lookups kept when the caller does
// not choose a cache size.
const defaultCacheCount = 1024

// CachingClientConfig is the configuration structure for
// [NewCachingClient].
type CachingClientConfig struct {
	// Logger is used to log the operation of the client. If nil,
	// [slog.Default] is used.
	Logger *slog.Logger

	// Sender is the transport used on cache misses.
	Sender MessageSender

	// Count is the number of lookups to hold in the cache. Zero means
	// a reasonable default.
	Count int
}

// CachingClient serves lookups from an LRU cache keyed by name, type,
// and class, honoring record TTLs, and asks the underlying transport
// on a miss. It is safe for concurrent use, and every holder of the
// pointer shares the same cache.
//
// Construct using [NewCachingClient].
type CachingClient struct {
	// logger is the client logger.
	logger *slog.Logger

	// sender is the underlying transport.
	sender MessageSender

	// cache is an LRU cache with per-item expiry.
	cache gcache.Cache
}

// NewCachingClient initializes a new LRU caching client. c must not be
// nil.
func NewCachingClient(c *CachingClientConfig) (cc *CachingClient) {
	return &CachingClient{
		logger: cmp.Or(c.Logger, slog.Default()),
		sender: c.Sender,
		cache:  gcache.New(cmp.Or(c.Count, defaultCacheCount)).LRU().Build(),
	}
}

// LookupClient is the caching-client contract the resolution engine
// consumes. [*CachingClient] implements it.
type LookupClient interface {
	Lookup(ctx context.Context, q Query, opts LookupOptions) (l *Lookup, err error)
}

// Ensure that [*CachingClient] implements [LookupClient].
var _ LookupClient = &CachingClient{}

// Lookup answers the query from the cache, falling back to the
// underlying transport on a miss and caching the result for the
// minimum TTL across its records.
func (c *CachingClient) Lookup(ctx context.Context, q Query, opts LookupOptions) (l *Lookup, err error) {
	if q.Type == dns.TypeAXFR || q.Type == dns.TypeIXFR {
		return nil, ErrTransferNotSupported
	}

	key := toCacheKey(q)
	if l, ok := c.get(ctx, key); ok {
		return l, nil
	}

	l, err = c.exchange(ctx, q, opts)
	if err != nil {
		return nil, err
	}

	c.set(ctx, key, l)
	return l, nil
}

// get retrieves a cached lookup, reporting whether one was found.
func (c *CachingClient) get(ctx context.Context, key string) (l *Lookup, ok bool) {
	val, err := c.cache.Get(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			// Shouldn't happen, since we don't set a serialization
			// function.
			c.logger.ErrorContext(ctx, "retrieving from cache", slogutil.KeyError, err)
		}
		return nil, false
	}

	l, ok = val.(*Lookup)
	if !ok {
		c.logger.ErrorContext(ctx, "bad type in cache", "type", fmt.Sprintf("%T", val))
		return nil, false
	}
	return l, true
}

// set saves a lookup to the cache if it is cacheable: empty lookups
// and lookups already at the end of their validity are not.
func (c *CachingClient) set(ctx context.Context, key string, l *Lookup) {
	if l.IsEmpty() {
		return
	}

	ttl := time.Until(l.ValidUntil())
	if ttl <= 0 {
		return
	}

	if err := c.cache.SetWithExpire(key, l, ttl); err != nil {
		c.logger.ErrorContext(ctx, "adding cache item", slogutil.KeyError, err)
	}
}

// exchange performs one DNS transaction through the transport and
// turns the response into a lookup.
func (c *CachingClient) exchange(ctx context.Context, q Query, opts LookupOptions) (l *Lookup, err error) {
	req, err := q.NewMsg(opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.sender.SendMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("exchanging %s: %w", q, err)
	}

	if err = validateQueryResp(req, resp); err != nil {
		return nil, fmt.Errorf("%s: %w", q, err)
	}
	if err = rcodeToError(resp); err != nil {
		return nil, fmt.Errorf("%s: %w", q, err)
	}

	return NewLookup(q, validAnswers(req.Question[0], resp), time.Now()), nil
}

// toCacheKey returns the cache key for the query: the query type and
// class followed by the lowercased FQDN.
func toCacheKey(q Query) (key string) {
	name := strings.ToLower(dns.Fqdn(q.Name))

	b := make([]byte, 2+2+len(name))
	binary.BigEndian.PutUint16(b[0:], q.Type)
	binary.BigEndian.PutUint16(b[2:], q.Class)
	copy(b[4:], name)

	return string(b)
}
