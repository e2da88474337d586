package framecodec

import (
	"bytes"
	"errors"
	"strings"
)

const DefaultMaxTextLen = 1024

// TextDecoder splits a stream of ';'-terminated ASCII commands. A message
// longer than the limit is dropped with one error however it was chunked,
// and everything up to its terminator is discarded.
type TextDecoder struct {
	buf        []byte
	maxLen     int
	discarding bool
}

func NewTextDecoder() *TextDecoder {
	return &TextDecoder{maxLen: DefaultMaxTextLen}
}

// NewTextDecoderWithLimit caps how many bytes a message may hold before its terminator.
func NewTextDecoderWithLimit(maxLen int) *TextDecoder {
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLen
	}
	return &TextDecoder{maxLen: maxLen}
}

func (d *TextDecoder) Feed(chunk []byte) ([]Frame, error) {
	var (
		frames []Frame
		errs   []error
	)
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, textTerminator)
		if d.discarding {
			if idx < 0 {
				break
			}
			d.discarding = false
			chunk = chunk[idx+1:]
			continue
		}
		if idx < 0 {
			if len(d.buf)+len(chunk) > d.maxLen {
				errs = append(errs, corrupt(d.overlong(chunk), "unterminated text exceeds limit"))
				d.buf = nil
				d.discarding = true
				break
			}
			d.buf = append(d.buf, chunk...)
			break
		}

		body := chunk[:idx]
		chunk = chunk[idx+1:]
		if len(d.buf)+len(body) > d.maxLen {
			errs = append(errs, corrupt(d.overlong(body), "text exceeds limit"))
			d.buf = nil
			continue
		}
		msg := DecodeText(append(d.buf, body...))
		d.buf = nil
		if msg == "" {
			continue
		}
		frames = append(frames, Frame{Protocol: ProtocolText, Text: msg})
	}
	return frames, errors.Join(errs...)
}

// overlong returns the first maxLen bytes of the buffered run plus tail.
func (d *TextDecoder) overlong(tail []byte) []byte {
	raw := append(append([]byte(nil), d.buf...), tail...)
	if len(raw) > d.maxLen {
		raw = raw[:d.maxLen]
	}
	return raw
}

func (d *TextDecoder) Buffered() int {
	return len(d.buf)
}

func (d *TextDecoder) Reset() {
	d.buf = nil
	d.discarding = false
}

// DecodeText strips the terminator, the optional leading ':' and surrounding whitespace.
func DecodeText(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimSuffix(s, string(textTerminator))
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, string(textPrefix))
	return strings.TrimSpace(s)
}

// EncodeText renders a command as ":CMD;". Input already carrying the
// prefix or terminator is normalized rather than doubled.
func EncodeText(cmd string) []byte {
	return []byte(string(textPrefix) + NormalizeText(cmd) + string(textTerminator))
}

// NormalizeText returns the bare command name of a configured command string,
// so ":IN1ON;" and "IN1ON" compare equal.
func NormalizeText(cmd string) string {
	return DecodeText([]byte(cmd))
}
