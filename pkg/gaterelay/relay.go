package gaterelay

import (
	"context"
	"fmt"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/cardevent"
	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/NotCoffee418/gate_bridge/pkg/link"
	"github.com/NotCoffee418/gate_bridge/pkg/observability"
	"github.com/rs/zerolog"
)

const (
	LinkName = "gate-server"

	handshake = "<Action>Connected</Action>"
)

type Writer interface {
	Write(ctx context.Context, data []byte) error
	IsOpen() bool
}

// FormatEvent renders the card event message the gate server expects.
func FormatEvent(identifier, cardType string) []byte {
	return []byte(fmt.Sprintf("<Emoney>%s,%s</Emoney>", identifier, cardType))
}

func Handshake() []byte {
	return []byte(handshake)
}

// NewLink builds the supervised TCP link to the gate server. Every open is
// greeted with the handshake and inbound data is only logged.
func NewLink(endpoint link.Endpoint, reconnectDelay time.Duration, logger zerolog.Logger) *link.Link {
	log := logger.With().Str("component", "relay").Logger()
	return link.New(link.Config{
		Name:           LinkName,
		Endpoint:       endpoint,
		NewDecoder:     func() framecodec.Decoder { return framecodec.NewChunkDecoder() },
		ReconnectDelay: reconnectDelay,
		OnOpen: func(ctx context.Context, l *link.Link) {
			if err := l.Write(ctx, Handshake()); err != nil {
				log.Error().Err(err).Msg("failed to send handshake")
				return
			}
			log.Info().Msg("connected to gate server")
		},
		OnFrame: func(_ context.Context, f framecodec.Frame) {
			log.Info().Str("data", string(f.Raw)).Msg("received from gate server")
		},
		Logger: logger,
	})
}

type Relay struct {
	out Writer
	log zerolog.Logger
}

func New(out Writer, logger zerolog.Logger) *Relay {
	return &Relay{out: out, log: logger.With().Str("component", "relay").Logger()}
}

// Relay forwards one card event. Events arriving while the link is down are
// dropped, not queued.
func (r *Relay) Relay(ctx context.Context, ev cardevent.Event) error {
	if !r.out.IsOpen() {
		observability.RecordCardEvent(ev.CardType, false)
		r.log.Warn().
			Str("identifier", ev.Identifier).
			Str("card_type", ev.CardType).
			Msg("gate server not connected, card event dropped")
		return link.ErrNotOpen
	}
	msg := FormatEvent(ev.Identifier, ev.CardType)
	if err := r.out.Write(ctx, msg); err != nil {
		observability.RecordCardEvent(ev.CardType, false)
		r.log.Error().Err(err).Str("identifier", ev.Identifier).Msg("failed to relay card event")
		return err
	}
	observability.RecordCardEvent(ev.CardType, true)
	r.log.Info().Str("message", string(msg)).Msg("card event relayed")
	return nil
}
