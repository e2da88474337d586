package eventfeed

import (
	"encoding/json"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/cardevent"
)

const (
	TypeCardEvent  = "card_event"
	TypeLoopResult = "loop_result"
)

type LoopResult struct {
	Outcome    string `json:"outcome"`
	Iterations int    `json:"iterations"`
}

// Message is one entry on the live feed.
type Message struct {
	Type string           `json:"type"`
	At   time.Time        `json:"at"`
	Card *cardevent.Event `json:"card,omitempty"`
	Loop *LoopResult      `json:"loop,omitempty"`
}

func CardMessage(ev cardevent.Event) Message {
	return Message{Type: TypeCardEvent, At: ev.ReceivedAt, Card: &ev}
}

func LoopMessage(outcome string, iterations int, at time.Time) Message {
	return Message{Type: TypeLoopResult, At: at, Loop: &LoopResult{Outcome: outcome, Iterations: iterations}}
}

func (m Message) ToJsonBytes() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// MessageFromJsonBytes returns nil when b is not a feed message.
func MessageFromJsonBytes(b []byte) *Message {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil || m.Type == "" {
		return nil
	}
	return &m
}
