// Package healthprobe implements the lightest liveness check: the gateway
// accepts HTTP on its loopback port. It runs synchronously in the gateway
// unit's post-start hook and blocks the unit's active state until it
// passes or times out.
package healthprobe

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/markers"
)

// GatewayProcessName is the process observed alongside the HTTP poll.
const GatewayProcessName = "habitat-gateway"

// PollInterval between liveness attempts.
const PollInterval = 5 * time.Second

// Notifier is the subset of the notification library the probe needs.
type Notifier interface {
	Send(ctx context.Context, kind, text string) error
}

// Probe polls the gateway port and watches the gateway process.
type Probe struct {
	settings *hostenv.Settings
	markers  *markers.Store
	logger   *logging.Logger
	notifier Notifier

	baseURL      string // default http://127.0.0.1
	httpClient   *http.Client
	processAlive func() bool
	interval     time.Duration
}

// Option configures a Probe.
type Option func(*Probe)

// WithBaseURL overrides the poll target base (used in tests).
func WithBaseURL(url string) Option {
	return func(p *Probe) { p.baseURL = url }
}

// WithProcessCheck overrides process observation (used in tests).
func WithProcessCheck(alive func() bool) Option {
	return func(p *Probe) { p.processAlive = alive }
}

// WithInterval overrides the poll interval (used in tests).
func WithInterval(d time.Duration) Option {
	return func(p *Probe) { p.interval = d }
}

// New creates a Probe.
func New(settings *hostenv.Settings, mk *markers.Store, logger *logging.Logger, notifier Notifier, opts ...Option) *Probe {
	p := &Probe{
		settings:     settings,
		markers:      mk,
		logger:       logger,
		notifier:     notifier,
		baseURL:      "http://127.0.0.1",
		httpClient:   &http.Client{Timeout: 3 * time.Second},
		processAlive: func() bool { return processRunning(GatewayProcessName) },
		interval:     PollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the gateway answers HTTP 2xx or a failure condition is
// met. On failure the unhealthy marker is written for the recovery trigger
// and a non-nil error is returned (the CLI maps it to exit code 1).
func (p *Probe) Run(ctx context.Context, group string, port int) error {
	p.logger.Infof("health probe starting for group %s on port %d", group, port)

	if settle := p.settings.SettleDuration(); settle > 0 {
		select {
		case <-time.After(settle):
		case <-ctx.Done():
			return p.fail(group, "cancelled during settle")
		}
	}

	start := time.Now()
	url := fmt.Sprintf("%s:%d/", p.baseURL, port)
	warned := false
	processSeen := false

	for {
		select {
		case <-ctx.Done():
			return p.fail(group, "cancelled")
		default:
		}

		alive := p.processAlive()
		if alive {
			processSeen = true
		} else if processSeen {
			// Observed running and then disappeared: crash, fail immediately.
			return p.fail(group, "gateway process crashed")
		} else if time.Since(start) > time.Duration(p.settings.NoProcessSecs)*time.Second {
			return p.fail(group, "gateway process never appeared")
		}

		if resp, err := p.httpClient.Get(url); err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				p.logger.Infof("gateway for group %s is accepting HTTP after %s", group, time.Since(start).Round(time.Second))
				// A passing probe clears a stale unhealthy marker.
				_ = p.markers.Clear(markers.Unhealthy(group))
				return nil
			}
		}

		elapsed := time.Since(start)
		if !warned && elapsed > time.Duration(p.settings.WarnSecs)*time.Second {
			warned = true
			msg := fmt.Sprintf("Habitat %s: gateway for group %s is still not answering after %s, continuing to wait.",
				hostnameOr("host"), group, elapsed.Round(time.Second))
			if err := p.notifier.Send(ctx, "health_wait-"+group, msg); err != nil {
				p.logger.Warningf("still-waiting notification failed: %v", err)
			}
		}
		if elapsed > time.Duration(p.settings.HardMaxSecs)*time.Second {
			return p.fail(group, "hard deadline exhausted")
		}

		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			return p.fail(group, "cancelled")
		}
	}
}

// fail writes the unhealthy marker as a side effect so the recovery
// trigger fires, then returns the terminal error.
func (p *Probe) fail(group, reason string) error {
	p.logger.Errorf("health probe failed for group %s: %s", group, reason)
	if err := p.markers.Set(markers.Unhealthy(group)); err != nil {
		p.logger.Errorf("failed to write unhealthy marker: %v", err)
	}
	return fmt.Errorf("health probe failed: %s", reason)
}

// processRunning scans /proc for a process whose comm matches name.
func processRunning(name string) bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid := e.Name()
		if pid[0] < '0' || pid[0] > '9' {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", pid, "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return true
		}
	}
	return false
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
