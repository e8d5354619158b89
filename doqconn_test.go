// SPDX-License-Identifier: GPL-3.0-or-later

package doqres

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the timeout for single test operations.
const testTimeout = 5 * time.Second

// newTestTLSConfigs creates a self-signed server TLS configuration for
// serverName and a client configuration trusting it.
func newTestTLSConfigs(t *testing.T, serverName string) (serverConf, clientConf *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: serverName},
		DNSNames:     []string{serverName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	serverConf = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
		NextProtos: []string{NextProtoDoQ},
	}
	clientConf = &tls.Config{RootCAs: pool}
	return serverConf, clientConf
}

// runLocalDoQServer starts a DoQ server on an ephemeral localhost port
// and returns its address. The server answers every framed query using
// handler and is torn down with the test.
func runLocalDoQServer(
	t *testing.T,
	tlsConf *tls.Config,
	handler func(req *dns.Msg) (resp *dns.Msg),
) (addr netip.AddrPort) {
	t.Helper()

	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, &quic.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			conn, acceptErr := ln.Accept(ctx)
			if acceptErr != nil {
				return
			}
			go serveDoQConn(ctx, conn, handler)
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String())
}

// serveDoQConn serves framed DNS queries on every inbound stream.
func serveDoQConn(
	ctx context.Context,
	conn *quic.Conn,
	handler func(req *dns.Msg) (resp *dns.Msg),
) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go func() {
			defer func() { _ = stream.Close() }()

			var header [2]byte
			if _, err := io.ReadFull(stream, header[:]); err != nil {
				return
			}

			raw := make([]byte, int(header[0])<<8|int(header[1]))
			if _, err := io.ReadFull(stream, raw); err != nil {
				return
			}

			req := new(dns.Msg)
			if err := req.Unpack(raw); err != nil {
				return
			}

			rawResp, err := handler(req).Pack()
			if err != nil {
				return
			}

			frame, err := newMsgFrame(rawResp)
			if err != nil {
				return
			}
			_, _ = stream.Write(frame)
		}()
	}
}

// defaultDoQHandler answers every query with a single A record.
func defaultDoQHandler(req *dns.Msg) (resp *dns.Msg) {
	resp = new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true
	resp.Answer = []dns.RR{
		newARecord(req.Question[0].Name, 300, "192.0.2.1"),
	}
	return resp
}

func TestQUICTransportSendMessage(t *testing.T) {
	serverConf, clientConf := newTestTLSConfigs(t, "example.org")
	addr := runLocalDoQServer(t, serverConf, defaultDoQHandler)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	transport, err := NewQUICTransportBuilder().
		CryptoConfig(clientConf).
		Build(ctx, addr, "example.org")
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, transport.Shutdown)

	req, err := NewQuery("example.org", dns.TypeA).NewMsg(LookupOptions{})
	require.NoError(t, err)
	req.Id = 42

	resp, err := transport.SendMessage(ctx, req)
	require.NoError(t, err)

	// stream-scoped correlation: the response id is zero on the wire
	assert.Equal(t, uint16(0), resp.Id)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, dns.TypeA, resp.Answer[0].Header().Rrtype)
}

func TestQUICTransportConcurrentRequests(t *testing.T) {
	serverConf, clientConf := newTestTLSConfigs(t, "example.org")
	addr := runLocalDoQServer(t, serverConf, defaultDoQHandler)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	transport, err := NewQUICTransportBuilder().
		CryptoConfig(clientConf).
		Build(ctx, addr, "example.org")
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, transport.Shutdown)

	const requestsNum = 10

	wg := &sync.WaitGroup{}
	for range requestsNum {
		wg.Go(func() {
			req, reqErr := NewQuery("example.org", dns.TypeA).NewMsg(LookupOptions{})
			// Do not use require, as this is a separate goroutine.
			if !assert.NoError(t, reqErr) {
				return
			}

			resp, sendErr := transport.SendMessage(ctx, req)
			if !assert.NoError(t, sendErr) {
				return
			}
			assert.Len(t, resp.Answer, 1)
		})
	}
	wg.Wait()
}

func TestQUICTransportShutdown(t *testing.T) {
	serverConf, clientConf := newTestTLSConfigs(t, "example.org")
	addr := runLocalDoQServer(t, serverConf, defaultDoQHandler)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	transport, err := NewQUICTransportBuilder().
		CryptoConfig(clientConf).
		Build(ctx, addr, "example.org")
	require.NoError(t, err)

	require.False(t, transport.IsShutdown())

	require.NoError(t, transport.Shutdown())
	assert.True(t, transport.IsShutdown())

	// only the first shutdown closes the connection
	assert.NoError(t, transport.Shutdown())

	// sending after shutdown is a programming error
	req, err := NewQuery("example.org", dns.TypeA).NewMsg(LookupOptions{})
	require.NoError(t, err)
	assert.Panics(t, func() {
		_, _ = transport.SendMessage(ctx, req)
	})
}

func TestQUICTransportHandshakeTimeout(t *testing.T) {
	// nothing listens here, so the handshake cannot complete
	addr := netip.MustParseAddrPort("127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewQUICTransportBuilder().Build(ctx, addr, "example.org")
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestQUICTransportBindAddr(t *testing.T) {
	serverConf, clientConf := newTestTLSConfigs(t, "example.org")
	addr := runLocalDoQServer(t, serverConf, defaultDoQHandler)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	transport, err := NewQUICTransportBuilder().
		CryptoConfig(clientConf).
		BindAddr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}).
		Build(ctx, addr, "example.org")
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, transport.Shutdown)

	req, err := NewQuery("example.org", dns.TypeA).NewMsg(LookupOptions{})
	require.NoError(t, err)

	_, err = transport.SendMessage(ctx, req)
	require.NoError(t, err)
}

func TestQUICTransportString(t *testing.T) {
	transport := &QUICTransport{
		nameServer: netip.MustParseAddrPort("94.140.14.14:853"),
		serverName: "dns.adguard-dns.com",
	}
	assert.Equal(t, "QUIC(94.140.14.14:853,dns.adguard-dns.com)", transport.String())
}
