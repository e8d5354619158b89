//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/probe-engine/blob/v0.23.0/netx/resolver/encoder.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/dns/dnscore/query.go
//

package doqres

import (
	"fmt"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// defaultMaxResponseSize is the maximum response size advertised via
// EDNS(0) when the caller does not choose one. It is the stream
// transport value, consistent with what the standard library uses for
// DNS over TCP, which DoQ framing mirrors.
const defaultMaxResponseSize = 4096

// Query identifies a DNS question: a name, a record type, and a class.
//
// Construct using [NewQuery].
type Query struct {
	// Name is the domain name to query.
	Name string

	// Type is the record type, e.g. [dns.TypeA].
	Type uint16

	// Class is the query class, usually [dns.ClassINET].
	Class uint16
}

// NewQuery constructs an INET-class [Query].
func NewQuery(name string, qtype uint16) (q Query) {
	return Query{Name: name, Type: qtype, Class: dns.ClassINET}
}

// String implements [fmt.Stringer] for Query.
func (q Query) String() (s string) {
	return fmt.Sprintf("%s %s %s", q.Name, dns.Class(q.Class), dns.Type(q.Type))
}

// LookupOptions carries per-request options that the resolution engine
// passes through to the transport untouched.
type LookupOptions struct {
	// MaxResponseSize is the maximum response size to advertise using
	// EDNS(0). Zero means the default for stream transports.
	MaxResponseSize uint16

	// DNSSEC requests DNSSEC signatures by setting the DO bit.
	DNSSEC bool

	// Padding enables RFC 8467 block-length padding of the query.
	Padding bool
}

// NewMsg creates the wire message for the query.
//
// The name is IDNA-encoded and made fully qualified. The message ID is
// left at zero: the DoQ stream codec requires a zero ID anyway, and
// transports that need a random ID assign one themselves.
func (q Query) NewMsg(opts LookupOptions) (msg *dns.Msg, err error) {
	// IDNA encode the domain name, keeping the root name as is since
	// the empty label is not a valid IDNA input.
	punyName := q.Name
	if punyName != "." && punyName != "" {
		punyName, err = idna.Lookup.ToASCII(q.Name)
		if err != nil {
			return nil, fmt.Errorf("idna encoding %q: %w", q.Name, err)
		}
	}

	// Ensure the domain name is fully qualified.
	if !dns.IsFqdn(punyName) {
		punyName = dns.Fqdn(punyName)
	}

	// Create the query message.
	msg = new(dns.Msg)
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   punyName,
		Qtype:  q.Type,
		Qclass: q.Class,
	}}

	// Set the EDNS(0) query options.
	maxSize := opts.MaxResponseSize
	if maxSize == 0 {
		maxSize = defaultMaxResponseSize
	}
	msg.SetEdns0(maxSize, opts.DNSSEC)

	// Clients SHOULD pad queries to the closest multiple of 128 octets
	// per RFC8467#section-4.1. We inflate the query length by the size
	// of the option itself (i.e. 4 octets). The cast to uint16 is
	// necessary to make the modulus operation work as intended when
	// the desired block size is smaller than (msg.Len()+4).
	if opts.Padding {
		const desiredSize = 128
		remainder := (desiredSize - uint16(msg.Len()+4)) % desiredSize
		opt := new(dns.EDNS0_PADDING)
		opt.Padding = make([]byte, remainder)
		msg.IsEdns0().Option = append(msg.IsEdns0().Option, opt)
	}

	return msg, nil
}
