// Package jigerr defines the shared error vocabulary raised by every
// layer of the programming jig, so callers can branch on kind with
// errors.As instead of matching strings.
package jigerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure that occurred. The comment on
// each constant names the layer(s) that raise it.
type Kind int

const (
	_ Kind = iota

	// SwdAckWait is raised by dap after a WAIT-acknowledged transaction
	// exceeds its retry budget.
	SwdAckWait
	// SwdAckFault is raised by dap when a transaction is FAULT-acknowledged
	// (or acknowledged with an invalid code) and when DP power-up or the
	// connect-under-reset halt is not confirmed, and by corectl when a
	// DHCSR status poll (S_HALT, S_REGRDY) times out.
	SwdAckFault
	// SwdParity is raised by dap when a read's parity bit doesn't match
	// the 32 data bits; treated as a transport fault.
	SwdParity

	// FlashBusy is raised by stm32g0 when FLASH_SR.BSY fails to clear
	// before a deadline.
	FlashBusy
	// FlashError is raised by stm32g0 when an error flag is latched in
	// FLASH_SR after an operation.
	FlashError
	// VerifyMismatch is raised by programmer when a post-program verify
	// pass finds one or more mismatching words.
	VerifyMismatch

	// Rs485Timeout is raised by rs485 when a receive deadline expires.
	Rs485Timeout
	// Rs485BadFirstByte is raised by rs485 when the first byte of a
	// packet has its LSB clear.
	Rs485BadFirstByte
	// Rs485BadResponseChar is raised by rs485 when the response
	// character isn't CRC32_ENABLED or CRC32_DISABLED.
	Rs485BadResponseChar
	// Rs485PacketTooSmall is raised by rs485 when the declared packet
	// size doesn't exceed framing overhead.
	Rs485PacketTooSmall
	// Rs485DataWrongSize is raised by rs485 when the declared payload
	// length doesn't match what the caller expects.
	Rs485DataWrongSize
	// Rs485BufferTooSmall is raised by rs485 when the caller's buffer
	// can't hold the declared payload; bytes are drained regardless.
	Rs485BufferTooSmall
	// Rs485CrcMismatch is raised by rs485 when the trailing CRC32
	// doesn't match the recomputed value.
	Rs485CrcMismatch
	// RemoteError is raised by rs485 when the target reports a non-zero
	// remote error code in its response.
	RemoteError
)

func (k Kind) String() string {
	switch k {
	case SwdAckWait:
		return "swd ack wait"
	case SwdAckFault:
		return "swd ack fault"
	case SwdParity:
		return "swd parity"
	case FlashBusy:
		return "flash busy"
	case FlashError:
		return "flash error"
	case VerifyMismatch:
		return "verify mismatch"
	case Rs485Timeout:
		return "rs485 timeout"
	case Rs485BadFirstByte:
		return "rs485 bad first byte"
	case Rs485BadResponseChar:
		return "rs485 bad response char"
	case Rs485PacketTooSmall:
		return "rs485 packet too small"
	case Rs485DataWrongSize:
		return "rs485 data wrong size"
	case Rs485BufferTooSmall:
		return "rs485 buffer too small"
	case Rs485CrcMismatch:
		return "rs485 crc mismatch"
	case RemoteError:
		return "remote error"
	default:
		return "unknown jig error"
	}
}

// Error wraps a Kind with a layer-supplied message and optional cause.
type Error struct {
	Kind    Kind
	Msg     string
	Code    uint32 // sr_bits, mismatch count, or remote error code, per Kind
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error around a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Wrapped: cause}
}

// WithCode attaches sr_bits/mismatch-count/remote-error-code context.
func WithCode(kind Kind, msg string, code uint32) *Error {
	return &Error{Kind: kind, Msg: msg, Code: code}
}

// Is reports whether err is a jigerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
