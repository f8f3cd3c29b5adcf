package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the backend is reachable.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe returns a ProbeFunc that issues a GET to url and treats any response below
// 500 as reachable. Authentication failures still prove the network path works.
func HTTPProbe(client *http.Client, url string, header http.Header) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("http %d", resp.StatusCode)
		}
		return nil
	}
}

// Prober polls a ProbeFunc and notifies subscribers whenever the backend goes from
// unreachable to reachable.
type Prober struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	online   atomic.Bool
	subs     subscribers
}

func NewProber(probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		probe:    probe,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

func (p *Prober) IsOnline() bool {
	return p.online.Load()
}

func (p *Prober) OnBecameReachable(fn func()) func() {
	return p.subs.add(fn)
}

// Probe runs one probe, updates the state and notifies subscribers on a transition to
// online. It returns the resulting state.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.probe(ctx)
	online := err == nil
	was := p.online.Swap(online)
	switch {
	case online && !was:
		p.logger.Info("backend reachable")
		p.subs.fire()
	case !online && was:
		p.logger.Warn("backend unreachable", "error", err)
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
