package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/rs/zerolog"
)

var (
	ErrConfigMissing = errors.New("link: configuration missing")
	ErrLinkClosed    = errors.New("link: closed")
	ErrNotOpen       = errors.New("link: not open")
	ErrBusy          = errors.New("link: another command is already in progress")
	ErrTimeout       = errors.New("link: command timeout")
	ErrWriteFailed   = errors.New("link: write failed")
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultCommandTimeout = 5 * time.Second
	DefaultWriteTimeout   = 2 * time.Second

	eventQueueSize    = 64
	dispatchQueueSize = 256
	readBufferSize    = 512
)

type Kind uint8

const (
	KindSerial Kind = iota
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindNetwork:
		return "network"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Endpoint opens the underlying byte stream. It is called once per open
// attempt so connection parameters may change between attempts.
type Endpoint interface {
	Kind() Kind
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type Config struct {
	Name     string
	Endpoint Endpoint
	// NewDecoder builds the decoder owned by the link.
	NewDecoder func() framecodec.Decoder

	ReconnectDelay time.Duration
	CommandTimeout time.Duration
	WriteTimeout   time.Duration

	// OnOpen runs on its own goroutine after every successful open.
	OnOpen func(ctx context.Context, l *Link)
	// OnFrame receives unsolicited frames, one at a time, in arrival order.
	OnFrame func(ctx context.Context, f framecodec.Frame)
	// IsEvent marks frames that must never be taken as a command response.
	IsEvent func(f framecodec.Frame) bool

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.NewDecoder == nil {
		c.NewDecoder = func() framecodec.Decoder { return framecodec.NewChunkDecoder() }
	}
	return c
}

// Snapshot is a point-in-time view of a link for the operator surface.
type Snapshot struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Endpoint string    `json:"endpoint"`
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
}

// loop events

type openResult struct {
	gen  uint64
	conn io.ReadWriteCloser
	err  error
}

type dataEvent struct {
	gen   uint64
	chunk []byte
}

type readError struct {
	gen uint64
	err error
}

type submitRequest struct {
	command []byte
	reply   chan commandResult
}

type writeRequest struct {
	data  []byte
	reply chan error
}

type commandTimeout struct {
	seq uint64
}

type reconnectFire struct {
	seq uint64
}

type reinitRequest struct {
	done chan struct{}
}
