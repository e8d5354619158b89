// SPDX-License-Identifier: GPL-3.0-or-later

package doqres

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// ErrNoNames is returned by [*Resolver.LookupIP] when the caller
// provides an empty list of candidate names.
const ErrNoNames errors.Error = "can not lookup IPs for no names"

// LookupIPStrategy selects how the resolver composes A and AAAA
// queries for one candidate name.
type LookupIPStrategy uint8

const (
	// StrategyIPv4Only issues a single A query.
	StrategyIPv4Only LookupIPStrategy = iota

	// StrategyIPv6Only issues a single AAAA query.
	StrategyIPv6Only

	// StrategyIPv4AndIPv6 issues A and AAAA concurrently and merges
	// non-empty successes, A records first.
	StrategyIPv4AndIPv6

	// StrategyIPv6ThenIPv4 issues AAAA and falls back to A when the
	// result is empty or an error.
	StrategyIPv6ThenIPv4

	// StrategyIPv4ThenIPv6 issues A and falls back to AAAA when the
	// result is empty or an error.
	StrategyIPv4ThenIPv6
)

// ResolverConfig is the configuration structure for [NewResolver].
type ResolverConfig struct {
	// Logger is used to log the operation of the resolver. If nil,
	// [slog.Default] is used.
	Logger *slog.Logger

	// Client performs the actual cached lookups.
	Client LookupClient

	// Strategy selects how A and AAAA queries are composed.
	Strategy LookupIPStrategy

	// Options are passed through to the client untouched.
	Options LookupOptions

	// Hosts is the optional static host table consulted before any
	// network lookup.
	Hosts *Hosts
}

// Resolver composes A and AAAA lookups over a caching client according
// to an address-family strategy, with fallback across a list of
// candidate names.
//
// Construct using [NewResolver].
type Resolver struct {
	// logger is the resolver logger.
	logger *slog.Logger

	// client performs the cached lookups.
	client LookupClient

	// strategy selects how queries are composed per name.
	strategy LookupIPStrategy

	// options are passed through to the client.
	options LookupOptions

	// hosts is the optional static host table.
	hosts *Hosts
}

// NewResolver creates a new [*Resolver] instance. c must not be nil.
func NewResolver(c *ResolverConfig) (r *Resolver) {
	return &Resolver{
		logger:   cmp.Or(c.Logger, slog.Default()),
		client:   c.Client,
		strategy: c.Strategy,
		options:  c.Options,
		hosts:    c.Hosts,
	}
}

// LookupIP resolves the candidate names to IP addresses.
//
// Names are consumed in LIFO order: the next name attempted is always
// the last element of names. An attempt whose lookup comes back empty
// or fails moves on to the next name; attempts are strictly
// sequential. Once every name is exhausted, a valid fallback address
// is returned as a synthetic single-record lookup; with no fallback,
// the last result is returned, whether an empty lookup or an error. An
// empty names list resolves to [ErrNoNames] before the fallback logic
// runs.
func (r *Resolver) LookupIP(
	ctx context.Context,
	names []string,
	fallback netip.Addr,
) (result LookupIP, err error) {
	names = slices.Clone(names)

	var lookup *Lookup
	err = ErrNoNames
	for len(names) > 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return LookupIP{}, ctxErr
		}

		name := names[len(names)-1]
		names = names[:len(names)-1]

		lookup, err = r.strategicLookup(ctx, name)
		if err == nil && !lookup.IsEmpty() {
			return LookupIP{Lookup: lookup}, nil
		}
	}

	if fallback.IsValid() {
		return LookupIP{Lookup: newFallbackLookup(fallback)}, nil
	}

	if err != nil {
		return LookupIP{}, err
	}
	return LookupIP{Lookup: lookup}, nil
}

// newFallbackLookup synthesizes a single-record lookup carrying the
// literal fallback address. The owner name is the root name, since no
// actual name resolved to this address.
func newFallbackLookup(addr netip.Addr) (l *Lookup) {
	addr = addr.Unmap()
	hdr := dns.RR_Header{Name: ".", Class: dns.ClassINET, Ttl: MaxTTL}

	var rr dns.RR
	if addr.Is4() {
		hdr.Rrtype = dns.TypeA
		rr = &dns.A{Hdr: hdr, A: addr.AsSlice()}
	} else {
		hdr.Rrtype = dns.TypeAAAA
		rr = &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()}
	}

	return NewLookup(Query{}, []dns.RR{rr}, time.Now())
}

// strategicLookup performs the lookups for one candidate name
// according to the configured strategy.
func (r *Resolver) strategicLookup(ctx context.Context, name string) (l *Lookup, err error) {
	switch r.strategy {
	case StrategyIPv4Only:
		return r.hostsLookup(ctx, NewQuery(name, dns.TypeA))
	case StrategyIPv6Only:
		return r.hostsLookup(ctx, NewQuery(name, dns.TypeAAAA))
	case StrategyIPv4AndIPv6:
		return r.bothFamilies(ctx, name)
	case StrategyIPv6ThenIPv4:
		return r.familyThenSwap(ctx, name, dns.TypeAAAA, dns.TypeA)
	case StrategyIPv4ThenIPv6:
		return r.familyThenSwap(ctx, name, dns.TypeA, dns.TypeAAAA)
	default:
		return nil, fmt.Errorf("unknown lookup strategy %d", r.strategy)
	}
}

// hostsLookup first checks the static host table, then performs the
// query through the client. A static entry short-circuits the network
// lookup entirely.
func (r *Resolver) hostsLookup(ctx context.Context, q Query) (l *Lookup, err error) {
	if l, ok := r.hosts.LookupStaticHost(q); ok {
		return l, nil
	}
	return r.client.Lookup(ctx, q, r.options)
}

// lookupResult is an asynchronous lookup outcome.
type lookupResult struct {
	// lookup is the lookup or nil.
	lookup *Lookup

	// err is the error or nil.
	err error
}

// bothFamilies issues the A and AAAA queries concurrently, awaits both,
// and merges non-empty successes by appending the AAAA records after
// the A records. When exactly one side fails, the surviving side wins
// and the loser is logged at debug level. When both fail, the A-side
// error is returned.
func (r *Resolver) bothFamilies(ctx context.Context, name string) (l *Lookup, err error) {
	// prepare for asynchronous lookup
	ach := make(chan lookupResult, 1)
	aaaach := make(chan lookupResult, 1)
	wg := &sync.WaitGroup{}

	// async lookup A
	wg.Go(func() {
		var res lookupResult
		res.lookup, res.err = r.hostsLookup(ctx, NewQuery(name, dns.TypeA))
		ach <- res
	})

	// async lookup AAAA
	wg.Go(func() {
		var res lookupResult
		res.lookup, res.err = r.hostsLookup(ctx, NewQuery(name, dns.TypeAAAA))
		aaaach <- res
	})

	// await both sides, whichever finishes first
	wg.Wait()

	ares := <-ach
	aaaares := <-aaaach

	switch {
	case ares.err == nil && aaaares.err == nil:
		return ares.lookup.Append(aaaares.lookup), nil
	case ares.err == nil:
		r.logger.DebugContext(
			ctx,
			"aaaa lookup failed in both-families strategy",
			"name", name,
			slogutil.KeyError, aaaares.err,
		)
		return ares.lookup, nil
	case aaaares.err == nil:
		r.logger.DebugContext(
			ctx,
			"a lookup failed in both-families strategy",
			"name", name,
			slogutil.KeyError, ares.err,
		)
		return aaaares.lookup, nil
	default:
		r.logger.DebugContext(
			ctx,
			"both lookups failed in both-families strategy",
			"name", name,
			"ipv4_error", ares.err,
			"ipv6_error", aaaares.err,
		)
		return nil, ares.err
	}
}

// familyThenSwap queries for the first record type and, when that
// comes back empty or fails, retries the same name with the second.
func (r *Resolver) familyThenSwap(
	ctx context.Context,
	name string,
	first uint16,
	second uint16,
) (l *Lookup, err error) {
	l, err = r.hostsLookup(ctx, NewQuery(name, first))
	if err == nil && !l.IsEmpty() {
		return l, nil
	}
	if err != nil {
		r.logger.DebugContext(
			ctx,
			"first lookup failed, swapping families",
			"name", name,
			"type", dns.Type(first).String(),
			slogutil.KeyError, err,
		)
	}

	return r.hostsLookup(ctx, NewQuery(name, second))
}
