package gatectl

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/config"
	"github.com/NotCoffee418/gate_bridge/pkg/eventfeed"
	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/NotCoffee418/gate_bridge/pkg/link"
	"github.com/NotCoffee418/gate_bridge/pkg/settings"
	"github.com/NotCoffee418/gate_bridge/pkg/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// device is the far end of a piped link.
type device struct {
	conn  net.Conn
	input chan []byte
}

func newDevice(conn net.Conn) *device {
	d := &device{conn: conn, input: make(chan []byte, 64)}
	go func() {
		defer close(d.input)
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				d.input <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()
	return d
}

func (d *device) send(t *testing.T, b []byte) {
	t.Helper()
	_, err := d.conn.Write(b)
	require.NoError(t, err)
}

// readUntil collects input until it contains want.
func (d *device) readUntil(t *testing.T, want string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.After(waitFor)
	for !strings.Contains(got.String(), want) {
		select {
		case chunk, ok := <-d.input:
			require.True(t, ok, "device closed before %q arrived, got %q", want, got.String())
			got.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got.String())
		}
	}
	return got.String()
}

// answerText replies ":OK;" to every text command in replies and reports
// each command it sees.
func (d *device) answerText(replies ...string) <-chan string {
	seen := make(chan string, 64)
	answer := make(map[string]bool, len(replies))
	for _, r := range replies {
		answer[r] = true
	}
	go func() {
		dec := framecodec.NewTextDecoder()
		for chunk := range d.input {
			frames, _ := dec.Feed(chunk)
			for _, f := range frames {
				select {
				case seen <- f.Text:
				default:
				}
				if answer[f.Text] {
					_, _ = d.conn.Write([]byte(":OK;"))
				}
			}
		}
	}()
	return seen
}

// answerReader acknowledges every reader command with code 00. With confirm
// set the last transaction query also carries data, so a loop confirms
// immediately.
func (d *device) answerReader(confirm bool) <-chan byte {
	ops := make(chan byte, 64)
	go func() {
		dec := framecodec.NewBinaryDecoder(framecodec.VariantPlain)
		for chunk := range d.input {
			frames, _ := dec.Feed(chunk)
			for _, f := range frames {
				if len(f.Payload) < 3 {
					continue
				}
				op := f.Payload[2]
				select {
				case ops <- op:
				default:
				}
				var data []byte
				if op == 0x05 && confirm {
					data = []byte{0x01, 0x02, 0x03}
				}
				resp, _ := framecodec.EncodeBinary([]byte{0x00}, data)
				_, _ = d.conn.Write(resp)
			}
		}
	}()
	return ops
}

type pipeEndpoint struct {
	kind    link.Kind
	devices chan *device
}

func newPipeEndpoint(kind link.Kind) *pipeEndpoint {
	return &pipeEndpoint{kind: kind, devices: make(chan *device, 8)}
}

func (e *pipeEndpoint) Kind() link.Kind { return e.kind }

func (e *pipeEndpoint) String() string { return "pipe:" + e.kind.String() }

func (e *pipeEndpoint) Open(context.Context) (io.ReadWriteCloser, error) {
	a, b := net.Pipe()
	e.devices <- newDevice(b)
	return a, nil
}

func (e *pipeEndpoint) next(t *testing.T) *device {
	t.Helper()
	select {
	case d := <-e.devices:
		return d
	case <-time.After(waitFor):
		t.Fatalf("%s was never opened", e)
		return nil
	}
}

type recordingFeed struct {
	messages chan eventfeed.Message
}

func newRecordingFeed() *recordingFeed {
	return &recordingFeed{messages: make(chan eventfeed.Message, 16)}
}

func (f *recordingFeed) Broadcast(m eventfeed.Message) { f.messages <- m }

func (f *recordingFeed) next(t *testing.T) eventfeed.Message {
	t.Helper()
	select {
	case m := <-f.messages:
		return m
	case <-time.After(waitFor):
		t.Fatal("no feed message")
		return eventfeed.Message{}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []upstream.LoopEvent
}

func (n *recordingNotifier) LoopEvent(_ context.Context, ev upstream.LoopEvent) (upstream.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return upstream.Result{Success: true}, nil
}

func (n *recordingNotifier) recorded() []upstream.LoopEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]upstream.LoopEvent(nil), n.events...)
}

func testConfig(mode string) *config.GatewayConfig {
	cfg := config.Default()
	cfg.GateMode = mode
	cfg.Links.ReconnectDelayMs = 50
	cfg.Links.RelayReconnectDelayMs = 50
	cfg.Links.CommandTimeoutMs = 1000
	cfg.Emoney.LoopPauseMs = 10
	return cfg
}

func expectOps(t *testing.T, ops <-chan byte, want ...byte) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-ops:
			require.Equal(t, w, got, "reader op")
		case <-time.After(waitFor):
			t.Fatalf("reader never received op %02X", w)
		}
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Options{Config: testConfig("sideways"), Settings: settings.NewMemoryStore()})
	require.Error(t, err)

	_, err = New(Options{Settings: settings.NewMemoryStore()})
	require.Error(t, err)

	_, err = New(Options{Config: testConfig(config.GateModeExit)})
	require.Error(t, err)
}

func TestGatePortKeyFollowsMode(t *testing.T) {
	exit, err := New(Options{Config: testConfig(config.GateModeExit), Settings: settings.NewMemoryStore(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer exit.Close()
	assert.Equal(t, settings.PortMicroOut, exit.GatePortKey())

	entry, err := New(Options{Config: testConfig(config.GateModeEntry), Settings: settings.NewMemoryStore(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer entry.Close()
	assert.Equal(t, settings.PortMicroIn, entry.GatePortKey())
}

func TestLinksListsEveryLinkOfTheMode(t *testing.T) {
	exit, err := New(Options{Config: testConfig(config.GateModeExit), Settings: settings.NewMemoryStore(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer exit.Close()

	var names []string
	for _, s := range exit.Links() {
		names = append(names, s.Name)
		assert.Equal(t, link.StateClosed.String(), s.State)
	}
	assert.Equal(t, []string{GateLinkName, ExitReaderLinkName}, names)

	entry, err := New(Options{Config: testConfig(config.GateModeEntry), Settings: settings.NewMemoryStore(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer entry.Close()

	names = nil
	for _, s := range entry.Links() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{GateLinkName, EntryReaderLinkName, "gate-server"}, names)
}

func TestExitGateConfirmsTransactionOnVehicle(t *testing.T) {
	gateEP := newPipeEndpoint(link.KindSerial)
	readerEP := newPipeEndpoint(link.KindSerial)
	feed := newRecordingFeed()

	gw, err := New(Options{
		Config:         testConfig(config.GateModeExit),
		Settings:       settings.NewMemoryStore(),
		Feed:           feed,
		Logger:         zerolog.Nop(),
		GateEndpoint:   gateEP,
		ReaderEndpoint: readerEP,
	})
	require.NoError(t, err)
	defer gw.Close()
	gw.Start(context.Background())

	gate := gateEP.next(t)
	seen := gate.answerText("TEST", "OPEN1")
	select {
	case cmd := <-seen:
		assert.Equal(t, "TEST", cmd)
	case <-time.After(waitFor):
		t.Fatal("test command never sent")
	}

	// Opening the gate link brings up the reader, which gets its handshake.
	reader := readerEP.next(t)
	ops := reader.answerReader(true)
	expectOps(t, ops, 0x01, 0x09)

	// Let the reader settle its last handshake reply before the loop starts.
	time.Sleep(50 * time.Millisecond)
	gate.send(t, []byte(":IN1ON;"))
	expectOps(t, ops, 0x09, 0x05, 0x09)

	m := feed.next(t)
	assert.Equal(t, eventfeed.TypeLoopResult, m.Type)
	require.NotNil(t, m.Loop)
	assert.Equal(t, "confirmed", m.Loop.Outcome)
	assert.Equal(t, 1, m.Loop.Iterations)
}

func TestOpenGateReturnsControllerAnswer(t *testing.T) {
	cfg := testConfig(config.GateModeExit)
	cfg.Emoney.Enabled = false
	gateEP := newPipeEndpoint(link.KindSerial)

	gw, err := New(Options{Config: cfg, Settings: settings.NewMemoryStore(), Logger: zerolog.Nop(), GateEndpoint: gateEP})
	require.NoError(t, err)
	defer gw.Close()

	_, err = gw.OpenGate(context.Background())
	require.ErrorIs(t, err, link.ErrNotOpen)

	gw.Start(context.Background())
	seen := gateEP.next(t).answerText("TEST", "OPEN1")
	<-seen

	var resp framecodec.Frame
	require.Eventually(t, func() bool {
		resp, err = gw.OpenGate(context.Background())
		return err == nil
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "OK", resp.Text)
}

func TestChangeGatePortStoresAndReopens(t *testing.T) {
	cfg := testConfig(config.GateModeExit)
	cfg.Emoney.Enabled = false
	store := settings.NewMemoryStore()
	gateEP := newPipeEndpoint(link.KindSerial)

	gw, err := New(Options{Config: cfg, Settings: store, Logger: zerolog.Nop(), GateEndpoint: gateEP})
	require.NoError(t, err)
	defer gw.Close()

	require.NoError(t, gw.ChangeGatePort(context.Background(), "/dev/ttyACM0"))
	v, err := store.Get(context.Background(), settings.PortMicroOut)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", v)

	// A stopped link is started by the change.
	gateEP.next(t).answerText("TEST")

	require.NoError(t, gw.ChangeGatePort(context.Background(), "/dev/ttyACM1"))
	gateEP.next(t).answerText("TEST")
}

func TestEntryGateReportsLoopOncePerVehicle(t *testing.T) {
	cfg := testConfig(config.GateModeEntry)
	cfg.Emoney.Enabled = false
	gateEP := newPipeEndpoint(link.KindSerial)
	notifier := &recordingNotifier{}

	gw, err := New(Options{Config: cfg, Settings: settings.NewMemoryStore(), Upstream: notifier, Logger: zerolog.Nop(), GateEndpoint: gateEP})
	require.NoError(t, err)
	defer gw.Close()
	gw.Start(context.Background())

	gate := gateEP.next(t)
	gate.answerText("TEST")
	gate.send(t, []byte(":IN1ON;:IN1ON;:OUT1ON;:IN1OFF;:IN1ON;"))

	want := []upstream.LoopEvent{upstream.LoopConnect, upstream.LoopDisconnect, upstream.LoopConnect}
	require.Eventually(t, func() bool {
		return len(notifier.recorded()) == len(want)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, notifier.recorded())
}

func TestEntryGateRelaysCardReads(t *testing.T) {
	gateEP := newPipeEndpoint(link.KindSerial)
	readerEP := newPipeEndpoint(link.KindSerial)
	serverEP := newPipeEndpoint(link.KindNetwork)
	feed := newRecordingFeed()

	gw, err := New(Options{
		Config:         testConfig(config.GateModeEntry),
		Settings:       settings.NewMemoryStore(),
		Feed:           feed,
		Logger:         zerolog.Nop(),
		GateEndpoint:   gateEP,
		ReaderEndpoint: readerEP,
		ServerEndpoint: serverEP,
	})
	require.NoError(t, err)
	defer gw.Close()
	gw.Start(context.Background())

	gateEP.next(t).answerText("TEST")
	reader := readerEP.next(t)
	// The reader opening is what brings up the gate server connection.
	server := serverEP.next(t)
	server.readUntil(t, "<Action>Connected</Action>")

	payload, err := hex.DecodeString("02" + "04A1B2C3D4E5F6" + "01" + "0123456789ABCDEF" + "0012D687")
	require.NoError(t, err)
	frame, err := framecodec.EncodeBinary(payload, nil)
	require.NoError(t, err)
	reader.send(t, frame)

	server.readUntil(t, "<Emoney>0123456789ABCDEF,02</Emoney>")

	m := feed.next(t)
	assert.Equal(t, eventfeed.TypeCardEvent, m.Type)
	require.NotNil(t, m.Card)
	assert.Equal(t, "0123456789ABCDEF", m.Card.Identifier)
	assert.Equal(t, uint32(1234567), m.Card.Balance)
	assert.Equal(t, "04A1B2C3D4E5F6", m.Card.UID)
}

func TestExitGateAbortsLoopWhenVehicleClears(t *testing.T) {
	cfg := testConfig(config.GateModeExit)
	cfg.Emoney.LoopPauseMs = 200
	gateEP := newPipeEndpoint(link.KindSerial)
	readerEP := newPipeEndpoint(link.KindSerial)
	feed := newRecordingFeed()

	gw, err := New(Options{
		Config:         cfg,
		Settings:       settings.NewMemoryStore(),
		Feed:           feed,
		Logger:         zerolog.Nop(),
		GateEndpoint:   gateEP,
		ReaderEndpoint: readerEP,
	})
	require.NoError(t, err)
	defer gw.Close()
	gw.Start(context.Background())

	gate := gateEP.next(t)
	gate.answerText("TEST")
	ops := readerEP.next(t).answerReader(false)
	expectOps(t, ops, 0x01, 0x09)
	time.Sleep(50 * time.Millisecond)

	gate.send(t, []byte(":IN1ON;"))
	expectOps(t, ops, 0x09, 0x05)
	gate.send(t, []byte(":OUT1ON;"))

	m := feed.next(t)
	require.NotNil(t, m.Loop)
	assert.Equal(t, "aborted", m.Loop.Outcome)
	assert.Less(t, m.Loop.Iterations, cfg.Emoney.LoopIterations)
}
