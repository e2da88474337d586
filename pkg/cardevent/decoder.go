package cardevent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/emoneyutil"
)

var ErrPayloadTooShort = errors.New("cardevent: payload too short")

const (
	TypeMifare = "FF"

	typeLen     = 1
	uidLen      = 7
	validityLen = 1
	numberLen   = 8
	balanceLen  = 4

	// MinPayloadLen covers every fixed field.
	MinPayloadLen = typeLen + uidLen + validityLen + numberLen + balanceLen
)

type Event struct {
	CardType   string    `json:"card_type"`
	UID        string    `json:"uid"`
	Validity   byte      `json:"validity"`
	CardNumber string    `json:"card_number"`
	Balance    uint32    `json:"balance"`
	Identifier string    `json:"identifier"`
	ReceivedAt time.Time `json:"received_at"`

	RawUID []byte `json:"-"`
}

func (e Event) BalanceDisplay() string {
	return emoneyutil.FormatRupiah(int64(e.Balance))
}

type Decoder struct {
	available map[string]struct{}
	now       func() time.Time
}

// NewDecoder takes the comma separated list of card types whose card
// number is used verbatim as the identifier.
func NewDecoder(availableTypes string) *Decoder {
	return &Decoder{
		available: emoneyutil.ParseTypeList(availableTypes),
		now:       time.Now,
	}
}

func (d *Decoder) Decode(payload []byte) (Event, error) {
	if len(payload) < MinPayloadLen {
		return Event{}, fmt.Errorf("%w: got %d bytes, need %d", ErrPayloadTooShort, len(payload), MinPayloadLen)
	}

	off := 0
	cardType := emoneyutil.UpperHex(payload[off : off+typeLen])
	off += typeLen
	uid := append([]byte(nil), payload[off:off+uidLen]...)
	off += uidLen
	validity := payload[off]
	off += validityLen
	number := emoneyutil.UpperHex(payload[off : off+numberLen])

	ev := Event{
		CardType:   cardType,
		UID:        emoneyutil.UpperHex(uid),
		Validity:   validity,
		CardNumber: number,
		Balance:    binary.BigEndian.Uint32(payload[len(payload)-balanceLen:]),
		ReceivedAt: d.now(),
		RawUID:     uid,
	}
	ev.Identifier = d.identifier(ev)
	return ev, nil
}

func (d *Decoder) identifier(ev Event) string {
	if _, ok := d.available[ev.CardType]; ok {
		return ev.CardNumber
	}
	if ev.CardType == TypeMifare && !allZero(ev.RawUID[:3]) {
		return MifareIdentifier(ev.RawUID)
	}
	return ev.CardNumber
}

// MifareIdentifier reverses the UID bytes, keeps the first four of the
// reversed sequence and renders them as a 10 digit decimal.
func MifareIdentifier(uid []byte) string {
	reversed := emoneyutil.Reverse(uid)
	if len(reversed) > 4 {
		reversed = reversed[:len(reversed)-3]
	}
	var v uint64
	for _, b := range reversed {
		v = v<<8 | uint64(b)
	}
	return fmt.Sprintf("%010d", v)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
