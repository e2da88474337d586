package loopctl

import (
	"context"
	"sync"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/emoney"
	"github.com/NotCoffee418/gate_bridge/pkg/observability"
	"github.com/NotCoffee418/gate_bridge/pkg/sensor"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxIterations = 6
	DefaultPause         = time.Second
)

type Outcome int

const (
	OutcomeConfirmed Outcome = iota + 1
	OutcomeAborted
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome    Outcome
	Iterations int
	// Response is the confirming transaction record when Outcome is Confirmed.
	Response emoney.Response
}

type Reader interface {
	Do(ctx context.Context, cmd emoney.Command) (emoney.Response, error)
}

type Config struct {
	MaxIterations int
	Pause         time.Duration
	OnResult      func(Result)
	Logger        zerolog.Logger
}

// Controller polls the reader for a completed transaction while a vehicle
// sits on the loop. At most one run is active.
type Controller struct {
	reader Reader
	cfg    Config
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	stopped bool
	// A detection that arrived after the active run was stopped; it starts
	// the next run once that one has reported.
	restart    bool
	restartCtx context.Context
	wg         sync.WaitGroup
}

func New(reader Reader, cfg Config) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	} else if cfg.Pause == 0 {
		cfg.Pause = DefaultPause
	}
	return &Controller{
		reader: reader,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "loop").Logger(),
	}
}

// HandleSensor reacts to one loop-sensor signal.
func (c *Controller) HandleSensor(ctx context.Context, ev sensor.Event) {
	switch ev {
	case sensor.VehiclePresent:
		c.log.Info().Msg("vehicle detected on loop")
		c.Begin(ctx)
	case sensor.VehicleCleared:
		c.log.Info().Msg("vehicle cleared loop")
		c.Stop()
	case sensor.LoopReleased:
		c.log.Debug().Msg("loop released")
	}
}

// Begin starts a run in the background. It reports false when a live run
// is already active; that run is left untouched. A run that has been
// stopped but not yet finished is followed by a fresh one.
func (c *Controller) Begin(ctx context.Context) bool {
	c.mu.Lock()
	if c.running {
		if c.stopped {
			c.restart = true
			c.restartCtx = ctx
			c.mu.Unlock()
			c.log.Info().Msg("previous run still stopping, next run queued")
			return true
		}
		c.mu.Unlock()
		c.log.Info().Msg("transaction loop already running, signal ignored")
		return false
	}
	c.running = true
	c.stopped = false
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.run(ctx, stop)

		c.mu.Lock()
		c.running = false
		c.stop = nil
		restart, restartCtx := c.restart, c.restartCtx
		c.restart, c.restartCtx = false, nil
		c.mu.Unlock()

		observability.RecordLoopRun(res.Outcome.String())
		if c.cfg.OnResult != nil {
			c.cfg.OnResult(res)
		}
		if restart && restartCtx.Err() == nil {
			c.Begin(restartCtx)
		}
	}()
	return true
}

// Stop asks the active run, if any, to end at its next check.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restart, c.restartCtx = false, nil
	if c.stop != nil && !c.stopped {
		c.stopped = true
		close(c.stop)
	}
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wait blocks until the active run has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, stop <-chan struct{}) Result {
	for i := 1; i <= c.cfg.MaxIterations; i++ {
		l := c.log.With().Int("iteration", i).Logger()

		if _, err := c.reader.Do(ctx, emoney.DisableBuzzer()); err != nil {
			l.Warn().Err(err).Msg("disable buzzer failed")
		}
		resp, err := c.reader.Do(ctx, emoney.GetLastTransaction())
		switch {
		case err != nil:
			l.Warn().Err(err).Msg("get last transaction failed")
		case resp.OK() && len(resp.Data) > 0:
			l.Info().Hex("transaction", resp.Data).Msg("transaction confirmed")
			if _, err := c.reader.Do(ctx, emoney.BuzzerSuccess()); err != nil {
				l.Warn().Err(err).Msg("success buzzer failed")
			}
			return Result{Outcome: OutcomeConfirmed, Iterations: i, Response: resp}
		default:
			l.Debug().Hex("code", []byte{resp.Code}).Msg("no transaction yet")
		}

		if isClosed(stop) || ctx.Err() != nil {
			l.Info().Msg("transaction loop stopped")
			return Result{Outcome: OutcomeAborted, Iterations: i}
		}
		if i == c.cfg.MaxIterations {
			break
		}

		t := time.NewTimer(c.cfg.Pause)
		select {
		case <-stop:
			t.Stop()
			l.Info().Msg("transaction loop stopped")
			return Result{Outcome: OutcomeAborted, Iterations: i}
		case <-ctx.Done():
			t.Stop()
			return Result{Outcome: OutcomeAborted, Iterations: i}
		case <-t.C:
		}
	}

	c.log.Warn().Int("iterations", c.cfg.MaxIterations).Msg("no transaction after retries")
	if _, err := c.reader.Do(ctx, emoney.BuzzerError()); err != nil {
		c.log.Warn().Err(err).Msg("error buzzer failed")
	}
	return Result{Outcome: OutcomeExhausted, Iterations: c.cfg.MaxIterations}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
