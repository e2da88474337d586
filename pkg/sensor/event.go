package sensor

import (
	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
)

// Event is the closed set of loop-sensor signals the gate controller emits.
type Event int

const (
	Unknown Event = iota
	VehiclePresent
	VehicleCleared
	LoopReleased
)

func (e Event) String() string {
	switch e {
	case VehiclePresent:
		return "vehicle_present"
	case VehicleCleared:
		return "vehicle_cleared"
	case LoopReleased:
		return "loop_released"
	default:
		return "unknown"
	}
}

// Commands holds the configured text commands for each signal, in any of
// the accepted spellings (":IN1ON;", "IN1ON;", "IN1ON").
type Commands struct {
	Detected   string
	Undetected string
	Cleared    string
}

type Parser struct {
	byText map[string]Event
}

func NewParser(c Commands) *Parser {
	p := &Parser{byText: make(map[string]Event, 3)}
	p.add(c.Detected, VehiclePresent)
	p.add(c.Undetected, LoopReleased)
	p.add(c.Cleared, VehicleCleared)
	return p
}

func (p *Parser) add(cmd string, ev Event) {
	if text := framecodec.NormalizeText(cmd); text != "" {
		p.byText[text] = ev
	}
}

// Parse maps a decoded text frame to its event. Frames that are not a
// sensor signal return Unknown and false.
func (p *Parser) Parse(f framecodec.Frame) (Event, bool) {
	if f.Protocol != framecodec.ProtocolText {
		return Unknown, false
	}
	ev, ok := p.byText[framecodec.NormalizeText(f.Text)]
	return ev, ok
}

// IsEvent reports whether f is a sensor signal. Links use it to keep
// sensor traffic out of command responses.
func (p *Parser) IsEvent(f framecodec.Frame) bool {
	_, ok := p.Parse(f)
	return ok
}
