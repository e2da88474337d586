package emoney

import (
	"encoding/binary"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/emoneyutil"
)

var commandPrefix = []byte{0xEF, 0x01}

var firstConnectKey = []byte{
	0x75, 0x8F, 0x40, 0xD4, 0x6D, 0x95, 0xD1, 0x64,
	0x14, 0x48, 0xAA, 0x19, 0xB9, 0x28, 0x2C, 0x05,
}

const (
	opFirstConnect byte = 0x01
	opCardBalance  byte = 0x02
	opDeduct       byte = 0x03
	opCancelDeduct byte = 0x04
	opLastTx       byte = 0x05
	opMifareInfo   byte = 0x07
	opBuzzer       byte = 0x09
	opCardInfo     byte = 0x0A

	buzzerSelect byte = 0x02
)

// Command is one reader instruction before framing.
type Command struct {
	Name string
	Op   byte
	Data []byte
}

func (c Command) Code() []byte {
	return append(append([]byte(nil), commandPrefix...), c.Op)
}

func FirstConnect() Command {
	return Command{Name: "first_connect", Op: opFirstConnect, Data: firstConnectKey}
}

func BuzzerSuccess() Command {
	return Command{Name: "buzzer_success", Op: opBuzzer, Data: []byte{buzzerSelect, 0x00}}
}

func BuzzerError() Command {
	return Command{Name: "buzzer_error", Op: opBuzzer, Data: []byte{buzzerSelect, 0x12}}
}

func EnableBuzzer() Command {
	return Command{Name: "enable_buzzer", Op: opBuzzer, Data: []byte{buzzerSelect, 0x10}}
}

func DisableBuzzer() Command {
	return Command{Name: "disable_buzzer", Op: opBuzzer, Data: []byte{buzzerSelect, 0x11}}
}

func GetLastTransaction() Command {
	return Command{Name: "get_last_transaction", Op: opLastTx}
}

// DeductTransaction carries date YYMMDD and time HHMMSS in BCD, the amount as
// a big-endian uint32 and the card wait timeout in BCD seconds.
func DeductTransaction(at time.Time, amount uint32, timeout time.Duration) Command {
	data := make([]byte, 0, 11)
	data = append(data, emoneyutil.BCDDate(at)...)
	data = append(data, emoneyutil.BCDTime(at)...)
	data = binary.BigEndian.AppendUint32(data, amount)
	data = append(data, timeoutBCD(timeout)...)
	return Command{Name: "deduct_transaction", Op: opDeduct, Data: data}
}

func CancelDeductTransaction() Command {
	return Command{Name: "cancel_deduct_transaction", Op: opCancelDeduct}
}

func GetCardInfo() Command {
	return Command{Name: "get_card_info", Op: opCardInfo}
}

func GetCardBalance(at time.Time, timeout time.Duration) Command {
	data := make([]byte, 0, 7)
	data = append(data, emoneyutil.BCDDate(at)...)
	data = append(data, emoneyutil.BCDTime(at)...)
	data = append(data, timeoutBCD(timeout)...)
	return Command{Name: "get_card_balance", Op: opCardBalance, Data: data}
}

func GetMifareInfo(timeout time.Duration) Command {
	return Command{Name: "get_mifare_info", Op: opMifareInfo, Data: append([]byte{0x00}, timeoutBCD(timeout)...)}
}

// timeoutBCD clamps to the 99 seconds one BCD byte can hold.
func timeoutBCD(d time.Duration) []byte {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs > 99 {
		secs = 99
	}
	return emoneyutil.ToBCD(uint64(secs), 1)
}
