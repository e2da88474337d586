package emoneyutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRupiah(t *testing.T) {
	assert.Equal(t, "Rp 1,234,567", FormatRupiah(1234567))
	assert.Equal(t, "Rp 0", FormatRupiah(0))
	assert.Equal(t, "Rp 999", FormatRupiah(999))
}

func TestBCD(t *testing.T) {
	assert.Equal(t, []byte{0x23, 0x10, 0x19}, ToBCD(231019, 3))
	assert.Equal(t, []byte{0x00, 0x05}, ToBCD(5, 2))
	assert.Equal(t, []byte{0x30}, ToBCD(30, 1))
	assert.Equal(t, uint64(231019), FromBCD([]byte{0x23, 0x10, 0x19}))
}

func TestBCDDateTime(t *testing.T) {
	at := time.Date(2026, time.October, 19, 8, 5, 42, 0, time.UTC)
	assert.Equal(t, []byte{0x26, 0x10, 0x19}, BCDDate(at))
	assert.Equal(t, []byte{0x08, 0x05, 0x42}, BCDTime(at))
}

func TestReverseDoesNotAlias(t *testing.T) {
	in := []byte{1, 2, 3}
	out := Reverse(in)
	assert.Equal(t, []byte{3, 2, 1}, out)
	assert.Equal(t, []byte{1, 2, 3}, in)
}

func TestParseTypeList(t *testing.T) {
	got := ParseTypeList(" 02, ff ,,")
	assert.Len(t, got, 2)
	assert.Contains(t, got, "02")
	assert.Contains(t, got, "FF")
	assert.Equal(t, "0A1B", UpperHex([]byte{0x0a, 0x1b}))
}
