package framecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const MaxPayloadLen = 0xFFFF

// BinaryDecoder extracts STX|LEN_HI|LEN_LO|PAYLOAD|LRC frames.
type BinaryDecoder struct {
	variant BinaryVariant
	buf     []byte
}

func NewBinaryDecoder(variant BinaryVariant) *BinaryDecoder {
	return &BinaryDecoder{variant: variant}
}

func (d *BinaryDecoder) Variant() BinaryVariant {
	return d.variant
}

func (d *BinaryDecoder) Feed(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)

	var (
		frames []Frame
		errs   []error
	)
	for len(d.buf) > 0 {
		// Resynchronize one byte at a time.
		if d.buf[0] != STX {
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < binaryOverhead {
			break
		}

		length := int(binary.BigEndian.Uint16(d.buf[1:3]))
		frameSize := 3 + length + 1
		if len(d.buf) < frameSize {
			break
		}

		raw := d.buf[:frameSize]
		want := raw[frameSize-1]
		got := LRC(raw[1 : frameSize-1])
		if want != got {
			// The whole length-framed block goes; rescanning inside it
			// risks false STX matches.
			errs = append(errs, corrupt(raw, fmt.Sprintf("lrc mismatch: want %02X got %02X", want, got)))
			d.buf = d.buf[frameSize:]
			continue
		}

		frame, err := d.frame(raw)
		d.buf = d.buf[frameSize:]
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, frame)
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, errors.Join(errs...)
}

func (d *BinaryDecoder) frame(raw []byte) (Frame, error) {
	out := make([]byte, len(raw))
	copy(out, raw)
	f := Frame{
		Protocol: ProtocolBinary,
		Raw:      out,
		Payload:  out[3 : len(out)-1],
	}
	if d.variant == VariantResponse {
		if len(f.Payload) == 0 {
			return Frame{}, corrupt(raw, "response frame without response code")
		}
		f.HasResponseCode = true
		f.ResponseCode = f.Payload[0]
		f.Data = f.Payload[1:]
	} else {
		f.Data = f.Payload
	}
	return f, nil
}

func (d *BinaryDecoder) Buffered() int {
	return len(d.buf)
}

func (d *BinaryDecoder) Reset() {
	d.buf = nil
}

// LRC is the running XOR of b.
func LRC(b []byte) byte {
	var lrc byte
	for _, c := range b {
		lrc ^= c
	}
	return lrc
}

// EncodeBinary builds STX, LEN_HI, LEN_LO, command..., data..., LRC.
func EncodeBinary(command, data []byte) ([]byte, error) {
	length := len(command) + len(data)
	if length > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	out := make([]byte, 0, length+binaryOverhead)
	out = append(out, STX, byte(length>>8), byte(length))
	out = append(out, command...)
	out = append(out, data...)
	out = append(out, LRC(out[1:]))
	return out, nil
}
