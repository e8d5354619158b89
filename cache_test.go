// SPDX-License-Identifier: GPL-3.0-or-later

package doqres

import (
	"context"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderStub struct {
	sendMessage func(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

func (ss *senderStub) SendMessage(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	return ss.sendMessage(ctx, req)
}

// newCountingSender returns a sender answering every query with one A
// record and the number of requests it served.
func newCountingSender(ttl uint32) (sender *senderStub, calls *int) {
	calls = new(int)
	sender = &senderStub{
		sendMessage: func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
			*calls++
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.RecursionAvailable = true
			resp.Answer = []dns.RR{
				newARecord(req.Question[0].Name, ttl, "192.0.2.1"),
			}
			return resp, nil
		},
	}
	return sender, calls
}

func TestCachingClientLookup(t *testing.T) {
	sender, calls := newCountingSender(300)
	client := NewCachingClient(&CachingClientConfig{
		Logger: slogutil.NewDiscardLogger(),
		Sender: sender,
	})

	ctx := context.Background()

	lookup, err := client.Lookup(ctx, NewQuery("example.com", dns.TypeA), LookupOptions{})
	require.NoError(t, err)
	require.False(t, lookup.IsEmpty())
	assert.Equal(t, 1, *calls)

	// the second lookup is served from the cache
	cached, err := client.Lookup(ctx, NewQuery("example.com", dns.TypeA), LookupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, lookup.Records(), cached.Records())

	// the key ignores the query name case
	_, err = client.Lookup(ctx, NewQuery("EXAMPLE.com", dns.TypeA), LookupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)

	// a different type is a different key
	_, err = client.Lookup(ctx, NewQuery("example.com", dns.TypeAAAA), LookupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestCachingClientLookupZeroTTL(t *testing.T) {
	sender, calls := newCountingSender(0)
	client := NewCachingClient(&CachingClientConfig{
		Logger: slogutil.NewDiscardLogger(),
		Sender: sender,
	})

	ctx := context.Background()

	// a zero-TTL answer is returned but never cached
	for range 2 {
		lookup, err := client.Lookup(ctx, NewQuery("example.com", dns.TypeA), LookupOptions{})
		require.NoError(t, err)
		require.False(t, lookup.IsEmpty())
	}
	assert.Equal(t, 2, *calls)
}

func TestCachingClientLookupEmptyNotCached(t *testing.T) {
	calls := 0
	sender := &senderStub{
		sendMessage: func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
			calls++
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.RecursionAvailable = true
			return resp, nil
		},
	}
	client := NewCachingClient(&CachingClientConfig{
		Logger: slogutil.NewDiscardLogger(),
		Sender: sender,
	})

	ctx := context.Background()

	for range 2 {
		lookup, err := client.Lookup(ctx, NewQuery("example.com", dns.TypeA), LookupOptions{})
		require.NoError(t, err)
		assert.True(t, lookup.IsEmpty())
	}
	assert.Equal(t, 2, calls)
}

func TestCachingClientLookupNXDOMAIN(t *testing.T) {
	sender := &senderStub{
		sendMessage: func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
			resp := new(dns.Msg)
			resp.SetRcode(req, dns.RcodeNameError)
			return resp, nil
		},
	}
	client := NewCachingClient(&CachingClientConfig{
		Logger: slogutil.NewDiscardLogger(),
		Sender: sender,
	})

	_, err := client.Lookup(context.Background(), NewQuery("missing.example", dns.TypeA), LookupOptions{})
	assert.ErrorIs(t, err, ErrNoName)
}

func TestCachingClientLookupRefusesTransfers(t *testing.T) {
	sender := &senderStub{
		sendMessage: func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
			t.Error("the transport must not see transfer queries")
			return nil, nil
		},
	}
	client := NewCachingClient(&CachingClientConfig{
		Logger: slogutil.NewDiscardLogger(),
		Sender: sender,
	})

	ctx := context.Background()

	_, err := client.Lookup(ctx, NewQuery("example.com", dns.TypeAXFR), LookupOptions{})
	assert.ErrorIs(t, err, ErrTransferNotSupported)

	_, err = client.Lookup(ctx, NewQuery("example.com", dns.TypeIXFR), LookupOptions{})
	assert.ErrorIs(t, err, ErrTransferNotSupported)
}
