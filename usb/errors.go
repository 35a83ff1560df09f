package usb

import "errors"

// Protocol errors, one per ErrorCode.
var (
	// ErrResetTimeout indicates the bus reset or speed negotiation did not finish.
	ErrResetTimeout = errors.New("bus reset timeout")

	// ErrNoResponse indicates no handshake arrived within the response window.
	ErrNoResponse = errors.New("no response")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrCRC indicates a data packet failed its CRC16 check.
	ErrCRC = errors.New("CRC error")

	// ErrTimeout indicates a stage or watchdog timeout.
	ErrTimeout = errors.New("timeout")

	// ErrNAKTimeout indicates the NAK retry budget was exhausted.
	ErrNAKTimeout = errors.New("NAK retry budget exhausted")

	// ErrBufferOverflow indicates a captured packet was dropped for lack of space.
	ErrBufferOverflow = errors.New("buffer overflow")

	// ErrBufferUnderflow indicates a record header failed its magic check.
	ErrBufferUnderflow = errors.New("buffer underflow")

	// ErrBadDescriptor indicates a descriptor was short or of the wrong type.
	ErrBadDescriptor = errors.New("bad descriptor")
)

// ErrorCode is the numeric error carried by a state machine's Error state.
// The values are stable and exposed through the status register file.
type ErrorCode uint8

// Error codes.
const (
	CodeNone ErrorCode = iota
	CodeResetTimeout
	CodeNoResponse
	CodeStall
	CodeCRCError
	CodeTimeout
	CodeNAKTimeout
	CodeBufferOverflow
	CodeBufferUnderflow
	CodeBadDescriptor
)

// String returns the taxonomy name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "NONE"
	case CodeResetTimeout:
		return "RESET_TIMEOUT"
	case CodeNoResponse:
		return "NO_RESPONSE"
	case CodeStall:
		return "STALL"
	case CodeCRCError:
		return "CRC_ERROR"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeNAKTimeout:
		return "NAK_TIMEOUT"
	case CodeBufferOverflow:
		return "BUFFER_OVERFLOW"
	case CodeBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case CodeBadDescriptor:
		return "BAD_DESCRIPTOR"
	default:
		return "UNKNOWN"
	}
}

// Err returns the sentinel error for the code, or nil for CodeNone.
func (c ErrorCode) Err() error {
	switch c {
	case CodeNone:
		return nil
	case CodeResetTimeout:
		return ErrResetTimeout
	case CodeNoResponse:
		return ErrNoResponse
	case CodeStall:
		return ErrStall
	case CodeCRCError:
		return ErrCRC
	case CodeTimeout:
		return ErrTimeout
	case CodeNAKTimeout:
		return ErrNAKTimeout
	case CodeBufferOverflow:
		return ErrBufferOverflow
	case CodeBufferUnderflow:
		return ErrBufferUnderflow
	case CodeBadDescriptor:
		return ErrBadDescriptor
	default:
		return errors.New("unknown error code")
	}
}
