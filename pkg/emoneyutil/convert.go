package emoneyutil

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatRupiah renders an amount as "Rp 1,234,567". Display only.
func FormatRupiah(amount int64) string {
	return printer.Sprintf("Rp %d", amount)
}

// ToBCD packs the low size*2 decimal digits of v, most significant first.
func ToBCD(v uint64, size int) []byte {
	out := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		lo := byte(v % 10)
		v /= 10
		hi := byte(v % 10)
		v /= 10
		out[i] = hi<<4 | lo
	}
	return out
}

// FromBCD is the inverse of ToBCD. Nibbles above 9 are read as-is.
func FromBCD(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v*100 + uint64(c>>4)*10 + uint64(c&0x0F)
	}
	return v
}

// BCDDate is YYMMDD.
func BCDDate(t time.Time) []byte {
	return ToBCD(uint64((t.Year()%100)*10000+int(t.Month())*100+t.Day()), 3)
}

// BCDTime is HHMMSS.
func BCDTime(t time.Time) []byte {
	return ToBCD(uint64(t.Hour()*10000+t.Minute()*100+t.Second()), 3)
}

// Reverse returns a reversed copy of b.
func Reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func UpperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// ParseTypeList splits a comma separated list of card types, e.g. "02, 03".
func ParseTypeList(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}
