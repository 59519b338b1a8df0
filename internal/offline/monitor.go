package offline

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Monitor tracks API reachability by polling its health endpoint. Going
// from offline to online fires OnOnline, which is where the queue drain
// hangs off.
type Monitor struct {
	HealthURL string
	HTTP      *http.Client
	Interval  time.Duration
	OnOnline  func(ctx context.Context)
	OnOffline func(ctx context.Context)

	online atomic.Bool
}

func NewMonitor(baseURL string, interval time.Duration) *Monitor {
	return &Monitor{
		HealthURL: strings.TrimRight(baseURL, "/") + "/healthz",
		HTTP:      &http.Client{Timeout: 5 * time.Second},
		Interval:  interval,
	}
}

// Online is the last observed state. It starts false until the first probe.
func (m *Monitor) Online() bool { return m.online.Load() }

// Probe checks the API once and fires the transition callbacks.
func (m *Monitor) Probe(ctx context.Context) bool {
	up := m.reachable(ctx)
	was := m.online.Swap(up)
	switch {
	case up && !was:
		log.Printf("connection restored, processing pending operations")
		if m.OnOnline != nil {
			m.OnOnline(ctx)
		}
	case !up && was:
		log.Printf("connection lost, operations will be queued")
		if m.OnOffline != nil {
			m.OnOffline(ctx)
		}
	}
	return up
}

func (m *Monitor) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.HealthURL, nil)
	if err != nil {
		return false
	}
	hc := m.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m.Probe(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Probe(ctx)
		}
	}
}
