// SPDX-License-Identifier: GPL-3.0-or-later

// Package doqres contains a stub DNS client speaking DNS over
// dedicated QUIC connections (DoQ, RFC 9250) and a caching IP
// resolution engine built on top of it.
//
// The package is organized in four layers, leaves first:
//
//  1. [*DoQStream] frames exactly one DNS transaction over one
//     client-initiated bidirectional QUIC stream, using the same
//     2-octet length prefix as DNS over TCP.
//
//  2. [*QUICTransport] owns a single QUIC connection to one name
//     server and implements [MessageSender]: submit one DNS query, get
//     back one DNS response. Construct it with [NewQUICTransportBuilder].
//
//  3. [*CachingClient] serves [Query] lookups from an LRU cache keyed
//     by name, type, and class, honoring record TTLs, and asks the
//     transport on a miss.
//
//  4. [*Resolver] composes A and AAAA lookups according to a
//     [LookupIPStrategy], retrying across a list of candidate names,
//     optionally consulting a static [Hosts] table first, and finally
//     falling back to a caller-supplied literal IP.
//
// For example, to resolve a host over DoQ:
//
//	transport, err := doqres.NewQUICTransportBuilder().
//		Build(ctx, netip.MustParseAddrPort("94.140.14.14:853"), "dns.adguard-dns.com")
//	client := doqres.NewCachingClient(&doqres.CachingClientConfig{Sender: transport})
//	resolver := doqres.NewResolver(&doqres.ResolverConfig{
//		Client:   client,
//		Strategy: doqres.StrategyIPv4AndIPv6,
//	})
//	result, err := resolver.LookupIP(ctx, []string{"example.com."}, netip.Addr{})
//
// The DNS message codec is [github.com/miekg/dns]; this package only
// adds the DoQ transport rules (message ID zero on the wire, one
// stream per transaction, DoQ application error codes) and the
// resolution policy on top of it.
package doqres
