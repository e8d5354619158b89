// SPDX-License-Identifier: GPL-3.0-or-later

package doqres

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultHostsPath is where Unix systems keep the static host table.
const DefaultHostsPath = "/etc/hosts"

// hostsKey indexes the static table by lowercased FQDN and record type.
type hostsKey struct {
	name  string
	qtype uint16
}

// Hosts is a static host table resolving names to addresses without
// touching the network. The resolution engine consults it, when
// configured, before issuing any DNS query.
//
// Construct using [ParseHosts] or [LoadHosts]. A nil *Hosts is a valid
// empty table.
type Hosts struct {
	// records maps (name, type) to the statically defined records.
	records map[hostsKey][]dns.RR
}

// LookupStaticHost returns the static lookup for the query's (name,
// type) pair, or false when the pair is not statically defined.
func (h *Hosts) LookupStaticHost(q Query) (l *Lookup, ok bool) {
	if h == nil {
		return nil, false
	}

	key := hostsKey{name: strings.ToLower(dns.Fqdn(q.Name)), qtype: q.Type}
	records, ok := h.records[key]
	if !ok {
		return nil, false
	}
	return NewLookup(q, records, time.Now()), true
}

// LoadHosts reads a static host table from a file in the standard
// hosts format.
func LoadHosts(path string) (h *Hosts, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	h, err = ParseHosts(file)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return h, nil
}

// ParseHosts parses the standard hosts format: one address per line
// followed by the canonical name and any aliases, with "#" starting a
// comment. Lines whose address does not parse are skipped, matching
// what libc resolvers do.
func ParseHosts(r io.Reader) (h *Hosts, err error) {
	h = &Hosts{records: make(map[hostsKey][]dns.RR)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}

		for _, name := range fields[1:] {
			h.add(name, addr.Unmap())
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}

	return h, nil
}

// add appends a static record for name pointing at addr.
func (h *Hosts) add(name string, addr netip.Addr) {
	fqdn := strings.ToLower(dns.Fqdn(name))
	hdr := dns.RR_Header{
		Name:  fqdn,
		Class: dns.ClassINET,
		Ttl:   MaxTTL,
	}

	var qtype uint16
	var rr dns.RR
	if addr.Is4() {
		qtype = dns.TypeA
		hdr.Rrtype = dns.TypeA
		rr = &dns.A{Hdr: hdr, A: addr.AsSlice()}
	} else {
		qtype = dns.TypeAAAA
		hdr.Rrtype = dns.TypeAAAA
		rr = &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()}
	}

	key := hostsKey{name: fqdn, qtype: qtype}
	h.records[key] = append(h.records[key], rr)
}
