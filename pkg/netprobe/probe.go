package netprobe

import (
	"context"
	"errors"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

var ErrNoResponse = errors.New("no response")

const cacheFor = 10 * time.Second

type Result struct {
	Host      string        `json:"host"`
	Reachable bool          `json:"reachable"`
	RTT       time.Duration `json:"rtt"`
	CheckedAt time.Time     `json:"checked_at"`
	Err       error         `json:"-"`
}

// PingFunc sends one echo to host.
type PingFunc func(ctx context.Context, host string) (time.Duration, error)

// Prober answers reachability questions about a host, caching the last
// answer so operators refreshing a page do not flood the network.
type Prober struct {
	ping PingFunc
	now  func() time.Time

	mu   sync.Mutex
	last map[string]Result
}

func New() *Prober {
	return NewWithPing(Ping)
}

func NewWithPing(ping PingFunc) *Prober {
	return &Prober{ping: ping, now: time.Now, last: make(map[string]Result)}
}

func (p *Prober) Probe(ctx context.Context, host string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.last[host]; ok && r.CheckedAt.After(p.now().Add(-cacheFor)) {
		return r
	}

	rtt, err := p.ping(ctx, host)
	r := Result{Host: host, Reachable: err == nil, RTT: rtt, CheckedAt: p.now(), Err: err}
	p.last[host] = r
	return r
}

// Ping sends a single unprivileged (UDP) echo request.
func Ping(ctx context.Context, host string) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, err
	}

	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false) // UDP-based, no root needed

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv > 0 {
		return stats.AvgRtt, nil
	}
	return 0, ErrNoResponse
}
