package framecodec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	STX byte = 0x02

	// STX + LEN_HI + LEN_LO + LRC
	binaryOverhead = 4

	textTerminator = ';'
	textPrefix     = ':'
)

var (
	ErrFrameCorrupt    = errors.New("framecodec: corrupt frame")
	ErrPayloadTooLarge = errors.New("framecodec: payload too large")
)

type Protocol uint8

const (
	ProtocolText Protocol = iota
	ProtocolBinary
	ProtocolRaw
)

func (p Protocol) String() string {
	switch p {
	case ProtocolText:
		return "text"
	case ProtocolBinary:
		return "binary"
	case ProtocolRaw:
		return "raw"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// BinaryVariant selects how the payload of a binary frame is split.
type BinaryVariant uint8

const (
	// Payload follows the length directly.
	VariantPlain BinaryVariant = iota
	// First payload byte is a response code; LEN counts code + data.
	VariantResponse
)

// Frame is one complete message extracted from a link's byte stream.
type Frame struct {
	Protocol Protocol

	// Text protocol: command with ':' and ';' stripped.
	Text string

	// Binary protocol: STX..LRC as received.
	Raw []byte
	// Binary protocol: bytes between the length and the LRC.
	Payload []byte
	// Response variant only.
	HasResponseCode bool
	ResponseCode    byte
	Data            []byte
}

// Bytes returns the frame's content as carried on the wire, for logging.
func (f Frame) Bytes() []byte {
	switch f.Protocol {
	case ProtocolText:
		return []byte(f.Text)
	default:
		return f.Raw
	}
}

func (f Frame) String() string {
	switch f.Protocol {
	case ProtocolText:
		return f.Text
	default:
		return strings.ToUpper(hex.EncodeToString(f.Raw))
	}
}

// Decoder turns a byte stream into frames. Implementations own their buffer
// and are not safe for concurrent use; each link owns exactly one.
type Decoder interface {
	// Feed appends chunk to the buffer and returns every frame completed by
	// it, in arrival order. A non-nil error reports dropped data
	// (ErrFrameCorrupt) and never means later frames were lost.
	Feed(chunk []byte) ([]Frame, error)
	// Buffered returns the number of unconsumed bytes.
	Buffered() int
	Reset()
}

// CorruptFrameError describes one discarded run of bytes.
type CorruptFrameError struct {
	Raw    []byte
	Reason string
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("framecodec: corrupt frame (%s): %s", e.Reason, strings.ToUpper(hex.EncodeToString(e.Raw)))
}

func (e *CorruptFrameError) Unwrap() error {
	return ErrFrameCorrupt
}

func corrupt(raw []byte, reason string) error {
	return &CorruptFrameError{Raw: append([]byte(nil), raw...), Reason: reason}
}
