//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/probe-engine/blob/v0.23.0/netx/resolver/decoder.go
// Adapted from: https://github.com/golang/go/blob/go1.21.10/src/net/dnsclient_unix.go
//

package doqres

import (
	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// These error messages use the same suffixes used by the Go standard
// library.
const (
	// ErrInvalidQuery means that the query does not contain a single
	// question.
	ErrInvalidQuery errors.Error = "invalid query"

	// ErrInvalidResponse means that the response is not a response
	// message or does not contain a single question matching the query.
	ErrInvalidResponse errors.Error = "invalid DNS response"

	// ErrNoName indicates that the server response code is NXDOMAIN.
	ErrNoName errors.Error = "no such host"

	// ErrServerMisbehaving indicates that the server response code is
	// neither 0 nor NXDOMAIN.
	ErrServerMisbehaving errors.Error = "server misbehaving"

	// ErrNoData indicates that there is no pertinent answer in the
	// response.
	ErrNoData errors.Error = "no answer from DNS server"
)

// validateQueryResp validates a DNS response for a given query.
func validateQueryResp(query, resp *dns.Msg) (err error) {
	// 1. make sure the message is actually a response
	if !resp.Response {
		return ErrInvalidResponse
	}

	// 2. make sure the query and the response contain a question
	if len(query.Question) != 1 {
		return ErrInvalidQuery
	}
	if len(resp.Question) != 1 {
		return ErrInvalidResponse
	}
	query0 := query.Question[0]
	resp0 := resp.Question[0]

	// 3. make sure the question echoes the query
	if !equalASCIIName(resp0.Name, query0.Name) {
		return ErrInvalidResponse
	}
	if resp0.Qclass != query0.Qclass {
		return ErrInvalidResponse
	}
	if resp0.Qtype != query0.Qtype {
		return ErrInvalidResponse
	}
	return nil
}

func equalASCIIName(x, y string) (ok bool) {
	if len(x) != len(y) {
		return false
	}
	for i := 0; i < len(x); i++ {
		a := x[i]
		b := y[i]
		if 'A' <= a && a <= 'Z' {
			a += 0x20
		}
		if 'A' <= b && b <= 'Z' {
			b += 0x20
		}
		if a != b {
			return false
		}
	}
	return true
}

// rcodeToError maps an RCODE inside a valid DNS response to an error
// using a suffix compatible with the error strings returned by
// [*net.Resolver]. For example, if a domain does not exist, the error
// uses the "no such host" suffix. If the RCODE is zero and the
// response is not a lame referral, this function returns nil.
//
// Before invoking this function, make sure the response is valid for
// the request by calling [validateQueryResp].
func rcodeToError(resp *dns.Msg) (err error) {
	// 1. handle the NXDOMAIN case
	if resp.Rcode == dns.RcodeNameError {
		return ErrNoName
	}

	// 2. handle the case of lame referral
	if resp.Rcode == dns.RcodeSuccess &&
		!resp.Authoritative &&
		!resp.RecursionAvailable &&
		len(resp.Answer) == 0 {
		return ErrNoData
	}

	// 3. handle any other error RCODE
	if resp.Rcode != dns.RcodeSuccess {
		return ErrServerMisbehaving
	}
	return nil
}

// validAnswers extracts the RRs answering the question that was asked,
// walking CNAME chains on the way.
//
// RFC 1034 section 4.3.1 says that "the recursive response to a query
// will be... The answer to the query, possibly preceded by one or more
// CNAME RRs that specify aliases encountered on the way to an answer."
// We validate that CNAMEs form a proper chain starting from the query
// name and keep the RRs owned by any name in that chain, in the order
// in which they appear in the response. The result may be empty.
//
// Before invoking this function, make sure the response is valid using
// [validateQueryResp].
func validAnswers(q0 dns.Question, resp *dns.Msg) (valid []dns.RR) {
	// 1. build the CNAME chain starting from the query name.
	validNames := make(map[string]bool)
	validNames[q0.Name] = true

	currentName := q0.Name
	for _, answer := range resp.Answer {
		if cname, ok := answer.(*dns.CNAME); ok {
			header := cname.Header()
			if equalASCIIName(currentName, header.Name) && header.Class == q0.Qclass {
				validNames[header.Name] = true
				currentName = cname.Target
				validNames[currentName] = true
			}
		}
	}

	// 2. keep the RRs owned by a name in the chain with the right
	// class. There may be several RR types for a given query, so the
	// type is deliberately not checked here.
	valid = []dns.RR{}
	for _, answer := range resp.Answer {
		header := answer.Header()
		if !validNames[header.Name] {
			continue
		}
		if q0.Qclass != header.Class {
			continue
		}
		valid = append(valid, answer)
	}

	return valid
}
