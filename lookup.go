// SPDX-License-Identifier: GPL-3.0-or-later

package doqres

import (
	"math"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// MaxTTL is the maximum TTL in seconds, as defined by RFC 2181. It is
// the TTL assigned to static host entries and synthetic fallback
// records.
const MaxTTL uint32 = math.MaxInt32

// Lookup is the result of a DNS query: the records produced, the query
// that produced them, and the instant until which they are valid.
//
// Construct using [NewLookup].
type Lookup struct {
	// query is the query that produced this lookup.
	query Query

	// records are the answer records, in response order.
	records []dns.RR

	// validUntil is now plus the minimum TTL across records.
	validUntil time.Time
}

// NewLookup creates a [*Lookup] valid until now plus the minimum TTL
// across records. A lookup with no records is valid for [MaxTTL],
// which only matters for the synthetic lookups built by the resolver
// since empty lookups are never cached.
func NewLookup(q Query, records []dns.RR, now time.Time) (l *Lookup) {
	minTTL := MaxTTL
	for _, rr := range records {
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
	}
	return &Lookup{
		query:      q,
		records:    records,
		validUntil: now.Add(time.Duration(minTTL) * time.Second),
	}
}

// Query returns the query that produced this lookup.
func (l *Lookup) Query() (q Query) {
	return l.query
}

// Records returns the answer records in response order. Callers must
// not mutate the returned slice.
func (l *Lookup) Records() (records []dns.RR) {
	if l == nil {
		return nil
	}
	return l.records
}

// ValidUntil returns the instant at which this lookup is no longer
// valid.
func (l *Lookup) ValidUntil() (t time.Time) {
	return l.validUntil
}

// IsEmpty reports whether the lookup produced no records.
func (l *Lookup) IsEmpty() (ok bool) {
	return l == nil || len(l.records) == 0
}

// Append returns a new lookup concatenating the records of l and
// other, in that order. The earlier of the two expiry instants wins.
func (l *Lookup) Append(other *Lookup) (merged *Lookup) {
	records := make([]dns.RR, 0, len(l.records)+len(other.records))
	records = append(records, l.records...)
	records = append(records, other.records...)

	validUntil := l.validUntil
	if other.validUntil.Before(validUntil) {
		validUntil = other.validUntil
	}

	return &Lookup{query: l.query, records: records, validUntil: validUntil}
}

// LookupIP is an IP-address view over a [Lookup]: it yields the
// addresses of the A and AAAA records while skipping every other
// record type.
//
// There can be many addresses matching a given name, typically so that
// a service offers a form of high availability. Callers choosing among
// them should attempt the next address in the list when a connection
// to one fails.
type LookupIP struct {
	// Lookup is the underlying lookup.
	*Lookup
}

// Addrs returns the A and AAAA addresses of the lookup, in record
// order.
func (l LookupIP) Addrs() (addrs []netip.Addr) {
	for _, rr := range l.Records() {
		switch rr := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rr.A); ok {
				addrs = append(addrs, addr.Unmap())
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}
	return addrs
}
