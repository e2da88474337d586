package gatectl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/cardevent"
	"github.com/NotCoffee418/gate_bridge/pkg/config"
	"github.com/NotCoffee418/gate_bridge/pkg/emoney"
	"github.com/NotCoffee418/gate_bridge/pkg/eventfeed"
	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/NotCoffee418/gate_bridge/pkg/gaterelay"
	"github.com/NotCoffee418/gate_bridge/pkg/link"
	"github.com/NotCoffee418/gate_bridge/pkg/loopctl"
	"github.com/NotCoffee418/gate_bridge/pkg/sensor"
	"github.com/NotCoffee418/gate_bridge/pkg/settings"
	"github.com/NotCoffee418/gate_bridge/pkg/upstream"
	"github.com/rs/zerolog"
)

const (
	GateLinkName        = "gate"
	ExitReaderLinkName  = "emoney-out"
	EntryReaderLinkName = "emoney-in"
)

var ErrPortNotChanged = errors.New("failed to change port")

type LoopNotifier interface {
	LoopEvent(ctx context.Context, event upstream.LoopEvent) (upstream.Result, error)
}

type Publisher interface {
	Broadcast(m eventfeed.Message)
}

type Options struct {
	Config   *config.GatewayConfig
	Settings settings.Store
	Upstream LoopNotifier
	Feed     Publisher
	Logger   zerolog.Logger

	// Endpoint overrides. Nil builds the serial and TCP endpoints from
	// the settings store and configuration.
	GateEndpoint   link.Endpoint
	ReaderEndpoint link.Endpoint
	ServerEndpoint link.Endpoint
}

// Gateway owns every supervised link of one gate and routes traffic
// between them.
type Gateway struct {
	cfg      *config.GatewayConfig
	store    settings.Store
	notifier LoopNotifier
	feed     Publisher
	log      zerolog.Logger

	sensors *sensor.Parser
	cards   *cardevent.Decoder

	gate   *link.Link
	reader *link.Link
	server *link.Link
	relay  *gaterelay.Relay
	loop   *loopctl.Controller

	portKey string

	latchMu sync.Mutex
	latched bool
}

func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("gatectl: config is required")
	}
	if opts.Settings == nil {
		return nil, errors.New("gatectl: settings store is required")
	}

	g := &Gateway{
		cfg:      cfg,
		store:    opts.Settings,
		notifier: opts.Upstream,
		feed:     opts.Feed,
		log:      opts.Logger.With().Str("gate_mode", cfg.GateMode).Logger(),
		sensors: sensor.NewParser(sensor.Commands{
			Detected:   cfg.Gate.LoopDetected,
			Undetected: cfg.Gate.LoopUndetected,
			Cleared:    cfg.Gate.VehicleCleared,
		}),
		cards: cardevent.NewDecoder(cfg.Emoney.AvailableTypes),
	}

	switch cfg.GateMode {
	case config.GateModeExit:
		g.buildExit(opts)
	case config.GateModeEntry:
		g.buildEntry(opts)
	default:
		return nil, fmt.Errorf("gatectl: unknown gate mode %q", cfg.GateMode)
	}
	return g, nil
}

func (g *Gateway) buildExit(opts Options) {
	g.portKey = settings.PortMicroOut
	gateEP := opts.GateEndpoint
	if gateEP == nil {
		gateEP = g.serialEndpoint(settings.PortMicroOut, settings.BaudRateMicroOut)
	}

	if g.cfg.Emoney.Enabled {
		readerEP := opts.ReaderEndpoint
		if readerEP == nil {
			readerEP = g.serialEndpoint(settings.PortEmoneyOut, settings.BaudRateEmoneyOut)
		}
		readerLog := g.log.With().Str("component", "reader").Logger()
		g.reader = link.New(link.Config{
			Name:     ExitReaderLinkName,
			Endpoint: readerEP,
			NewDecoder: func() framecodec.Decoder {
				return framecodec.NewBinaryDecoder(framecodec.VariantResponse)
			},
			ReconnectDelay: g.cfg.Links.ReconnectDelay(),
			CommandTimeout: g.cfg.Links.CommandTimeout(),
			OnOpen: func(ctx context.Context, l *link.Link) {
				_ = emoney.NewReader(l, readerLog).Initialize(ctx)
			},
			Logger: g.log,
		})
		g.loop = loopctl.New(emoney.NewReader(g.reader, readerLog), loopctl.Config{
			MaxIterations: g.cfg.Emoney.LoopIterations,
			Pause:         g.cfg.Emoney.LoopPause(),
			OnResult:      g.publishLoopResult,
			Logger:        g.log,
		})
	}

	g.gate = g.newGateLink(gateEP, g.handleExitFrame)
}

func (g *Gateway) buildEntry(opts Options) {
	g.portKey = settings.PortMicroIn
	gateEP := opts.GateEndpoint
	if gateEP == nil {
		gateEP = g.serialEndpoint(settings.PortMicroIn, settings.BaudRateMicroIn)
	}

	if g.cfg.Emoney.Enabled {
		serverEP := opts.ServerEndpoint
		if serverEP == nil {
			serverEP = link.NewNetworkEndpoint(g.cfg.Server.TCPHost, g.cfg.Server.TCPPort, g.cfg.Links.DialTimeout())
		}
		g.server = gaterelay.NewLink(serverEP, g.cfg.Links.RelayReconnectDelay(), g.log)
		g.relay = gaterelay.New(g.server, g.log)

		readerEP := opts.ReaderEndpoint
		if readerEP == nil {
			readerEP = g.serialEndpoint(settings.PortEmoneyIn, settings.BaudRateEmoneyIn)
		}
		g.reader = link.New(link.Config{
			Name:     EntryReaderLinkName,
			Endpoint: readerEP,
			NewDecoder: func() framecodec.Decoder {
				return framecodec.NewBinaryDecoder(framecodec.VariantPlain)
			},
			ReconnectDelay: g.cfg.Links.ReconnectDelay(),
			CommandTimeout: g.cfg.Links.CommandTimeout(),
			// The entry reader only ever pushes card reads.
			IsEvent: func(framecodec.Frame) bool { return true },
			OnOpen: func(ctx context.Context, _ *link.Link) {
				g.server.Start(ctx)
			},
			OnFrame: g.handleCardFrame,
			Logger:  g.log,
		})
	}

	g.gate = g.newGateLink(gateEP, g.handleEntryFrame)
}

func (g *Gateway) newGateLink(ep link.Endpoint, onFrame func(context.Context, framecodec.Frame)) *link.Link {
	return link.New(link.Config{
		Name:           GateLinkName,
		Endpoint:       ep,
		NewDecoder:     func() framecodec.Decoder { return framecodec.NewTextDecoder() },
		ReconnectDelay: g.cfg.Links.ReconnectDelay(),
		CommandTimeout: g.cfg.Links.CommandTimeout(),
		IsEvent:        g.sensors.IsEvent,
		OnOpen:         g.onGateOpen,
		OnFrame:        onFrame,
		Logger:         g.log,
	})
}

func (g *Gateway) serialEndpoint(portKey, baudKey string) *link.SerialEndpoint {
	return link.NewSerialEndpoint(portKey, settings.SerialSource(g.store, portKey, baudKey))
}

// Start brings up the gate link; the remaining links follow from its hooks
// (exit) or start alongside it (entry).
func (g *Gateway) Start(ctx context.Context) {
	g.log.Info().Msg("starting gate links")
	g.gate.Start(ctx)
	if g.cfg.GateMode == config.GateModeEntry && g.reader != nil {
		g.reader.Start(ctx)
	}
}

// Close stops any transaction loop and every link. Closing the links first
// fails the loop's in-flight command instead of waiting for its timeout.
func (g *Gateway) Close() {
	if g.loop != nil {
		g.loop.Stop()
	}
	for _, l := range g.links() {
		_ = l.Close()
	}
	if g.loop != nil {
		g.loop.Wait()
	}
}

func (g *Gateway) Mode() string { return g.cfg.GateMode }

// GatePortKey is the settings key holding the gate controller's device path.
func (g *Gateway) GatePortKey() string { return g.portKey }

func (g *Gateway) Links() []link.Snapshot {
	links := g.links()
	out := make([]link.Snapshot, 0, len(links))
	for _, l := range links {
		out = append(out, l.Snapshot())
	}
	return out
}

func (g *Gateway) links() []*link.Link {
	out := []*link.Link{g.gate}
	if g.reader != nil {
		out = append(out, g.reader)
	}
	if g.server != nil {
		out = append(out, g.server)
	}
	return out
}

// OpenGate asks the gate controller to raise the barrier and returns its answer.
func (g *Gateway) OpenGate(ctx context.Context) (framecodec.Frame, error) {
	resp, err := g.gate.Submit(ctx, framecodec.EncodeText(g.cfg.Gate.OpenCommand))
	if err != nil {
		g.log.Error().Err(err).Msg("failed to open gate")
		return framecodec.Frame{}, err
	}
	g.log.Info().Str("response", resp.String()).Msg("successfully opened gate")
	return resp, nil
}

// ChangeGatePort stores a new device path for the gate controller and
// reopens the link on it.
func (g *Gateway) ChangeGatePort(ctx context.Context, port string) error {
	if err := g.store.Set(ctx, g.portKey, port); err != nil {
		return err
	}
	stored, err := g.store.Get(ctx, g.portKey)
	if err != nil {
		return err
	}
	if stored != port {
		return ErrPortNotChanged
	}
	g.log.Info().Str("port", port).Msg("gate port changed")
	return g.gate.Reinitialize(ctx)
}

func (g *Gateway) onGateOpen(ctx context.Context, l *link.Link) {
	resp, err := l.Submit(ctx, framecodec.EncodeText(g.cfg.Gate.TestCommand))
	if err != nil {
		g.log.Warn().Err(err).Msg("error sending test command")
	} else {
		g.log.Info().Str("response", resp.String()).Msg("test command response")
	}

	if g.cfg.GateMode == config.GateModeExit && g.reader != nil {
		if err := g.reader.Reinitialize(ctx); err != nil {
			g.log.Error().Err(err).Msg("failed to initialize card reader")
		}
	}
}

func (g *Gateway) handleExitFrame(ctx context.Context, f framecodec.Frame) {
	ev, ok := g.sensors.Parse(f)
	if !ok {
		g.log.Info().Str("data", f.String()).Msg("unsolicited data received")
		return
	}
	if g.loop == nil {
		g.log.Info().Stringer("event", ev).Msg("sensor event ignored, e-money disabled")
		return
	}
	g.loop.HandleSensor(ctx, ev)
}

func (g *Gateway) handleEntryFrame(ctx context.Context, f framecodec.Frame) {
	ev, ok := g.sensors.Parse(f)
	if !ok {
		g.log.Info().Str("data", f.String()).Msg("unsolicited data received")
		return
	}

	var event upstream.LoopEvent
	g.latchMu.Lock()
	switch ev {
	case sensor.VehiclePresent:
		if g.latched {
			g.latchMu.Unlock()
			g.log.Debug().Msg("loop already reported, duplicate ignored")
			return
		}
		g.latched = true
		event = upstream.LoopConnect
	case sensor.LoopReleased:
		g.latched = false
		event = upstream.LoopDisconnect
	default:
		g.latchMu.Unlock()
		return
	}
	g.latchMu.Unlock()

	if g.notifier == nil {
		return
	}
	_, _ = g.notifier.LoopEvent(ctx, event)
}

func (g *Gateway) handleCardFrame(ctx context.Context, f framecodec.Frame) {
	ev, err := g.cards.Decode(f.Data)
	if err != nil {
		g.log.Warn().Err(err).Hex("raw", f.Raw).Msg("undecodable card frame")
		return
	}
	g.log.Info().
		Str("card_type", ev.CardType).
		Str("uid", ev.UID).
		Uint8("validity", ev.Validity).
		Str("card_number", ev.CardNumber).
		Str("balance", ev.BalanceDisplay()).
		Msg("card read")

	if g.relay != nil {
		_ = g.relay.Relay(ctx, ev)
	}
	if g.feed != nil {
		g.feed.Broadcast(eventfeed.CardMessage(ev))
	}
}

func (g *Gateway) publishLoopResult(res loopctl.Result) {
	g.log.Info().
		Stringer("outcome", res.Outcome).
		Int("iterations", res.Iterations).
		Msg("transaction loop finished")
	if g.feed != nil {
		g.feed.Broadcast(eventfeed.LoopMessage(res.Outcome.String(), res.Iterations, time.Now()))
	}
}
