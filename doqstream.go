// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/dns/dnscore/doquic.go
//
// See https://datatracker.ietf.org/doc/rfc9250/

package doqres

import (
	"fmt"
	"io"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// sendStream is the send half of a bidirectional QUIC stream.
//
// [*quic.Stream] implements this interface.
type sendStream interface {
	io.Writer

	// Close signals STREAM FIN: no further data will be sent.
	Close() error

	// CancelWrite aborts the send half with the given code.
	CancelWrite(code quic.StreamErrorCode)
}

// receiveStream is the receive half of a bidirectional QUIC stream.
//
// [*quic.Stream] implements this interface.
type receiveStream interface {
	io.Reader

	// CancelRead aborts the receive half with the given code.
	CancelRead(code quic.StreamErrorCode)
}

// MaxBufferSizeError is returned by [*DoQStream.Send] when the packed
// DNS message does not fit into the 2-octet length prefix. DoQ streams
// could in theory carry up to 2^62 bytes, but DNS messages are
// restricted to 65535 octets across TCP, DoT, DoH, and DoQ alike.
type MaxBufferSizeError struct {
	// Size is the size of the offending message in octets.
	Size int
}

// Error implements the error interface.
func (err *MaxBufferSizeError) Error() (s string) {
	return fmt.Sprintf(
		"dns message size %d exceeds the maximum of %d octets",
		err.Size,
		dns.MaxMsgSize,
	)
}

// MessageIDError is returned by [*DoQStream.Receive] when the inbound
// DNS message carries a non-zero message ID. RFC 9250, Section 4.2.1:
// stream-scoped correlation replaces the message ID, which MUST be 0.
type MessageIDError struct {
	// ID is the non-zero message ID found on the wire.
	ID uint16
}

// Error implements the error interface.
func (err *MessageIDError) Error() (s string) {
	return fmt.Sprintf("doq message id must be 0, got %d", err.ID)
}

// DoQStream frames exactly one DNS transaction over one bidirectional
// QUIC stream: the query is sent followed by STREAM FIN, then exactly
// one response is received. A stream must not be reused for a second
// query.
//
// Construct using [NewDoQStream].
type DoQStream struct {
	// send is the send half of the stream.
	send sendStream

	// recv is the receive half of the stream.
	recv receiveStream
}

// NewDoQStream wraps a freshly opened client-initiated bidirectional
// stream.
func NewDoQStream(stream *quic.Stream) (s *DoQStream) {
	return &DoQStream{send: stream, recv: stream}
}

// newMsgFrame prepends the 2-octet big-endian length prefix used by
// DNS over TCP and, identically, by DoQ. The frame is assembled into a
// single buffer so the caller can hand it to the stream in one write.
func newMsgFrame(rawMsg []byte) (frame []byte, err error) {
	if len(rawMsg) > dns.MaxMsgSize {
		return nil, &MaxBufferSizeError{Size: len(rawMsg)}
	}

	frame = make([]byte, 0, 2+len(rawMsg))
	frame = append(frame, byte(len(rawMsg)>>8), byte(len(rawMsg)))
	return append(frame, rawMsg...), nil
}

// Send serializes msg and writes it onto the send half as a single
// length-prefixed frame.
//
// The message ID is forced to 0 before serializing: when sending
// queries over a QUIC connection, the DNS message ID MUST be set to 0
// (RFC 9250, Section 4.2.1). Messages whose packed form exceeds 65535
// octets fail with [*MaxBufferSizeError].
func (s *DoQStream) Send(msg *dns.Msg) (err error) {
	msg.Id = 0

	rawMsg, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("packing doq query: %w", err)
	}

	frame, err := newMsgFrame(rawMsg)
	if err != nil {
		return err
	}

	if _, err = s.send.Write(frame); err != nil {
		return fmt.Errorf("writing doq query: %w", err)
	}
	return nil
}

// Finish signals STREAM FIN on the send half. The client MUST indicate
// through the STREAM FIN mechanism that no further data will be sent
// on the stream; callers invoke Finish after [*DoQStream.Send] and
// before [*DoQStream.Receive].
func (s *DoQStream) Finish() (err error) {
	return s.send.Close()
}

// Receive reads exactly one length-prefixed DNS message from the
// receive half.
//
// A failed body read resets the stream with [DoqProtocolError] and
// propagates the underlying I/O error. A successfully parsed message
// with a non-zero ID resets the stream with [DoqProtocolError] and
// returns a [*MessageIDError].
func (s *DoQStream) Receive() (msg *dns.Msg, err error) {
	var header [2]byte
	if _, err = io.ReadFull(s.recv, header[:]); err != nil {
		return nil, fmt.Errorf("reading doq response header: %w", err)
	}
	length := int(header[0])<<8 | int(header[1])

	rawMsg := make([]byte, length)
	if _, err = io.ReadFull(s.recv, rawMsg); err != nil {
		s.Reset(DoqProtocolError)
		return nil, fmt.Errorf("reading doq response body: %w", err)
	}

	msg = new(dns.Msg)
	if err = msg.Unpack(rawMsg); err != nil {
		return nil, fmt.Errorf("unpacking doq response: %w", err)
	}

	if msg.Id != 0 {
		s.Reset(DoqProtocolError)
		return nil, &MessageIDError{ID: msg.Id}
	}
	return msg, nil
}

// Reset aborts the send half with the given DoQ error code.
func (s *DoQStream) Reset(code DoqErrorCode) {
	s.send.CancelWrite(code.StreamCode())
}

// Stop aborts the receive half with the given DoQ error code.
func (s *DoQStream) Stop(code DoqErrorCode) {
	s.recv.CancelRead(code.StreamCode())
}
