// SPDX-License-Identifier: GPL-3.0-or-later
//
// See https://datatracker.ietf.org/doc/rfc9250/

package doqres

import (
	"fmt"
	"math"

	"github.com/quic-go/quic-go"
)

// DoqErrorCode is an application error code defined by RFC 9250,
// Section 4.3, for use when abruptly terminating streams, when
// aborting reading of streams, or when immediately closing
// connections.
//
// The type intentionally covers the whole 32-bit space rather than
// just the named constants below so that codes added by future
// protocol revisions are carried verbatim instead of being rejected.
type DoqErrorCode uint32

const (
	// DoqNoError is used when the connection or stream needs to be
	// closed, but there is no error to signal.
	DoqNoError DoqErrorCode = 0x0

	// DoqInternalError signals that the DoQ implementation encountered
	// an internal error and is incapable of pursuing the transaction
	// or the connection.
	DoqInternalError DoqErrorCode = 0x1

	// DoqProtocolError signals that the DoQ implementation encountered
	// a protocol error and is forcibly aborting the connection.
	DoqProtocolError DoqErrorCode = 0x2

	// DoqRequestCancelled is used by a client to signal that it wants
	// to cancel an outstanding transaction.
	DoqRequestCancelled DoqErrorCode = 0x3

	// DoqExcessiveLoad is used when closing a connection due to
	// excessive load.
	DoqExcessiveLoad DoqErrorCode = 0x4

	// DoqUnspecifiedError is used in the absence of a more specific
	// error code.
	DoqUnspecifiedError DoqErrorCode = 0x5

	// DoqErrorReserved is an alternative error code used for tests.
	DoqErrorReserved DoqErrorCode = 0xd098ea5e
)

// AppCode converts the code into the QUIC application error code space
// for closing connections.
func (c DoqErrorCode) AppCode() (code quic.ApplicationErrorCode) {
	return quic.ApplicationErrorCode(c)
}

// StreamCode converts the code into the QUIC stream error code space
// for resetting and stopping streams.
func (c DoqErrorCode) StreamCode() (code quic.StreamErrorCode) {
	return quic.StreamErrorCode(c)
}

// String implements [fmt.Stringer] for DoqErrorCode.
func (c DoqErrorCode) String() (s string) {
	switch c {
	case DoqNoError:
		return "DOQ_NO_ERROR"
	case DoqInternalError:
		return "DOQ_INTERNAL_ERROR"
	case DoqProtocolError:
		return "DOQ_PROTOCOL_ERROR"
	case DoqRequestCancelled:
		return "DOQ_REQUEST_CANCELLED"
	case DoqExcessiveLoad:
		return "DOQ_EXCESSIVE_LOAD"
	case DoqUnspecifiedError:
		return "DOQ_UNSPECIFIED_ERROR"
	case DoqErrorReserved:
		return "DOQ_ERROR_RESERVED"
	default:
		return fmt.Sprintf("DOQ_UNKNOWN_%#x", uint32(c))
	}
}

// DoqErrorCodeFromApp converts a QUIC application error code received
// from the wire into a [DoqErrorCode]. QUIC varints admit 62 bits
// while DoQ codes are confined to 32, so values that do not fit decode
// to [DoqProtocolError].
func DoqErrorCodeFromApp(code quic.ApplicationErrorCode) (c DoqErrorCode) {
	if uint64(code) > math.MaxUint32 {
		return DoqProtocolError
	}
	return DoqErrorCode(code)
}
