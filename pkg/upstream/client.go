package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 10 * time.Second

type LoopEvent string

const (
	LoopConnect    LoopEvent = "connect"
	LoopDisconnect LoopEvent = "disconnect"
)

var ErrInvalidEvent = errors.New("upstream: invalid loop event")

func ParseLoopEvent(raw string) (LoopEvent, error) {
	switch LoopEvent(raw) {
	case LoopConnect, LoopDisconnect:
		return LoopEvent(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEvent, raw)
	}
}

// Result mirrors what the operator surface returns for a relayed loop event.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     logger.With().Str("component", "upstream").Logger(),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// LoopEvent reports a loop sensor transition to the upstream server. Failures
// are folded into the Result and also returned.
func (c *Client) LoopEvent(ctx context.Context, event LoopEvent) (Result, error) {
	res, err := c.loopEvent(ctx, event)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(event)).Msg("error relaying loop event")
		return Result{Success: false, Error: err.Error()}, err
	}
	c.log.Info().Str("event", string(event)).Msg("loop event relayed")
	return res, nil
}

func (c *Client) loopEvent(ctx context.Context, event LoopEvent) (Result, error) {
	endpoint := c.baseURL + "loop?event=" + url.QueryEscape(string(event))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if !json.Valid(body) {
		return Result{}, fmt.Errorf("upstream returned invalid JSON")
	}
	return Result{Success: true, Data: body}, nil
}

// Host returns the host part of the base URL, for reachability probes.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
