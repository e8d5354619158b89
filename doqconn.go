// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/dns/dnscore/doquic.go
// Adapted from: https://github.com/rbmk-project/dnscore/blob/v0.14.0/doquic.go
//
// See https://datatracker.ietf.org/doc/rfc9250/

package doqres

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

const (
	// NextProtoDoQ is the ALPN token for DoQ. During connection
	// establishment, DNS/QUIC support is indicated by selecting the
	// ALPN token "doq" in the crypto handshake.
	NextProtoDoQ = "doq"

	// quicConnectTimeout bounds the QUIC handshake. The transport does
	// not impose any additional per-query timeout: the stream-scoped
	// FIN is the termination signal and the connection's idle timeout
	// governs the outer window.
	quicConnectTimeout = 5 * time.Second

	// quicShutdownReason is the connection close payload sent on
	// orderly shutdown.
	quicShutdownReason = "Shutdown"
)

// MessageSender submits one DNS query and returns one DNS response.
//
// [*QUICTransport] implements this interface.
type MessageSender interface {
	SendMessage(ctx context.Context, req *dns.Msg) (resp *dns.Msg, err error)
}

// QUICTransportBuilder builds a [*QUICTransport].
//
// Construct using [NewQUICTransportBuilder], then optionally adjust it
// with the fluent mutators before calling [*QUICTransportBuilder.Build].
type QUICTransportBuilder struct {
	// cryptoConfig is the TLS client configuration, nil meaning system
	// roots with the ALPN defaulted at connect time.
	cryptoConfig *tls.Config

	// quicConfig carries the QUIC transport parameters.
	quicConfig *quic.Config

	// bindAddr is the optional local address to bind to.
	bindAddr *net.UDPAddr
}

// NewQUICTransportBuilder creates a builder with defaults: no explicit
// TLS configuration, no explicit bind address, and a QUIC configuration
// that refuses server-initiated streams, since a DoQ client only ever
// consumes client-initiated bidirectional streams.
func NewQUICTransportBuilder() (b *QUICTransportBuilder) {
	return &QUICTransportBuilder{
		quicConfig: &quic.Config{
			MaxIncomingStreams:    -1,
			MaxIncomingUniStreams: -1,
		},
	}
}

// CryptoConfig sets the TLS client configuration.
func (b *QUICTransportBuilder) CryptoConfig(cfg *tls.Config) (same *QUICTransportBuilder) {
	b.cryptoConfig = cfg
	return b
}

// BindAddr sets the local address to connect from.
func (b *QUICTransportBuilder) BindAddr(addr *net.UDPAddr) (same *QUICTransportBuilder) {
	b.bindAddr = addr
	return b
}

// Build binds a local UDP socket and connects to nameServer,
// validating the server certificate against serverName.
func (b *QUICTransportBuilder) Build(
	ctx context.Context,
	nameServer netip.AddrPort,
	serverName string,
) (t *QUICTransport, err error) {
	pconn, err := b.listenPacket(nameServer)
	if err != nil {
		return nil, fmt.Errorf("binding local socket: %w", err)
	}

	t, err = b.BuildWithPacketConn(ctx, pconn, nameServer, serverName)
	if err != nil {
		err = errors.WithDeferred(err, pconn.Close())
	}
	return t, err
}

// BuildWithPacketConn is like [*QUICTransportBuilder.Build] but uses an
// already bound packet socket. On success the transport takes ownership
// of pconn and closes it on shutdown.
func (b *QUICTransportBuilder) BuildWithPacketConn(
	ctx context.Context,
	pconn net.PacketConn,
	nameServer netip.AddrPort,
	serverName string,
) (t *QUICTransport, err error) {
	tlsConf := b.cryptoConfig.Clone()
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tlsConf.ServerName = serverName
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{NextProtoDoQ}
	}

	ctx, cancel := context.WithTimeout(ctx, quicConnectTimeout)
	defer cancel()

	txp := &quic.Transport{Conn: pconn}
	conn, err := dialQUIC(ctx, txp, net.UDPAddrFromAddrPort(nameServer), tlsConf, b.quicConfig)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf(
				"quic handshake: %w after %s",
				os.ErrDeadlineExceeded,
				quicConnectTimeout,
			)
		}
		return nil, fmt.Errorf("dialing %s: %w", nameServer, err)
	}

	return &QUICTransport{
		conn:       conn,
		pconn:      pconn,
		nameServer: nameServer,
		serverName: serverName,
		isShutdown: &atomic.Bool{},
	}, nil
}

// listenPacket binds the configured local address, or an ephemeral one
// of the same address family as the name server.
func (b *QUICTransportBuilder) listenPacket(nameServer netip.AddrPort) (pconn net.PacketConn, err error) {
	network := "udp6"
	if nameServer.Addr().Unmap().Is4() {
		network = "udp4"
	}
	return net.ListenUDP(network, b.bindAddr)
}

// isTimeout reports whether err is a handshake deadline expiry, either
// ours or one detected by the QUIC stack itself.
func isTimeout(err error) (ok bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// dialQUIC performs the handshake, attempting 0-RTT early data when the
// TLS configuration enables session resumption and falling back to the
// normal handshake when the server rejects it.
func dialQUIC(
	ctx context.Context,
	txp *quic.Transport,
	raddr net.Addr,
	tlsConf *tls.Config,
	quicConf *quic.Config,
) (conn *quic.Conn, err error) {
	if tlsConf.ClientSessionCache == nil {
		return txp.Dial(ctx, raddr, tlsConf, quicConf)
	}

	conn, err = txp.DialEarly(ctx, raddr, tlsConf, quicConf)
	if errors.Is(err, quic.Err0RTTRejected) {
		conn, err = txp.Dial(ctx, raddr, tlsConf, quicConf)
	}
	return conn, err
}

// QUICTransport is a DNS-over-QUIC client holding a single QUIC
// connection to one name server.
//
// The value is a handle over shared state: copies of the pointer share
// the connection and the shutdown flag, concurrent in-flight requests
// are isolated by QUIC stream multiplexing, and shutting the transport
// down closes the connection for every holder.
//
// Construct using [*QUICTransportBuilder.Build].
type QUICTransport struct {
	// conn is the underlying QUIC connection.
	conn *quic.Conn

	// pconn is the packet socket backing conn.
	pconn net.PacketConn

	// nameServer is the remote name server address.
	nameServer netip.AddrPort

	// serverName is the name used for certificate validation.
	serverName string

	// isShutdown transitions false to true exactly once.
	isShutdown *atomic.Bool
}

// Ensure that [*QUICTransport] implements [MessageSender].
var _ MessageSender = &QUICTransport{}

// String implements [fmt.Stringer] for *QUICTransport.
func (t *QUICTransport) String() (s string) {
	return fmt.Sprintf("QUIC(%s,%s)", t.nameServer, t.serverName)
}

// SendMessage implements [MessageSender]. Each call opens a fresh
// client-initiated bidirectional stream, writes the query, signals
// STREAM FIN, and reads exactly one response; any step's error is
// returned verbatim. Concurrent calls are supported.
//
// Calling SendMessage after [*QUICTransport.Shutdown] is a programming
// error and panics.
func (t *QUICTransport) SendMessage(ctx context.Context, req *dns.Msg) (resp *dns.Msg, err error) {
	if t.isShutdown.Load() {
		panic("doqres: send after transport shutdown")
	}

	rawStream, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening doq stream to %s: %w", t.nameServer, err)
	}

	stream := NewDoQStream(rawStream)
	if err = stream.Send(req); err != nil {
		stream.Reset(DoqRequestCancelled)
		return nil, err
	}
	if err = stream.Finish(); err != nil {
		return nil, err
	}

	return stream.Receive()
}

// Shutdown closes the underlying connection with [DoqNoError] and the
// payload "Shutdown". It is one-shot: only the first call closes the
// connection, subsequent calls are no-ops.
func (t *QUICTransport) Shutdown() (err error) {
	if !t.isShutdown.CompareAndSwap(false, true) {
		return nil
	}

	err = t.conn.CloseWithError(DoqNoError.AppCode(), quicShutdownReason)
	return errors.WithDeferred(err, t.pconn.Close())
}

// IsShutdown reports whether [*QUICTransport.Shutdown] was called.
func (t *QUICTransport) IsShutdown() (ok bool) {
	return t.isShutdown.Load()
}
