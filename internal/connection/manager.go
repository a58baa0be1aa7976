// Package connection owns per-channel health: it runs reachability probes,
// schedules exponential-backoff reconnects with a retry ceiling, and reports
// every transition to the status monitor.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/nlisenk/hubwatch/internal/monitor"
)

// Channel names. The set is fixed at startup; exactly one status record
// exists per channel for the life of the process.
const (
	ChannelWebhook = "webhook"
	ChannelAPI     = "api"
)

// Probe runs a channel-specific reachability/credential test. It must
// respect ctx cancellation; the manager applies the probe timeout.
type Probe func(ctx context.Context) error

// Options configures a Manager.
type Options struct {
	Probes         map[string]Probe
	BaseDelay      time.Duration
	MaxRetries     int
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	Logger         *slog.Logger
}

type channelState struct {
	connected  bool
	attempts   uint
	errorCount uint
	exhausted  bool
	retryTimer *time.Timer
	// gen is bumped by Disconnect and manual Connect so that a probe already
	// in flight cannot land its result on the superseded state.
	gen uint64
}

// Manager drives the disconnected → connecting → connected state machine for
// each channel.
type Manager struct {
	bus *monitor.Monitor
	log *slog.Logger

	baseDelay      time.Duration
	maxRetries     uint
	probeTimeout   time.Duration
	healthInterval time.Duration

	scheduler *gocron.Scheduler

	mu       sync.Mutex
	probes   map[string]Probe
	states   map[string]*channelState
	shutdown bool
	once     sync.Once
}

// NewManager builds a manager. Start begins the health-check timer; nothing
// runs until then.
func NewManager(bus *monitor.Monitor, opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	states := make(map[string]*channelState, len(opts.Probes))
	for name := range opts.Probes {
		states[name] = &channelState{}
	}

	return &Manager{
		bus:            bus,
		log:            opts.Logger,
		baseDelay:      opts.BaseDelay,
		maxRetries:     uint(opts.MaxRetries),
		probeTimeout:   opts.ProbeTimeout,
		healthInterval: opts.HealthInterval,
		scheduler:      gocron.NewScheduler(time.UTC),
		probes:         opts.Probes,
		states:         states,
	}
}

// Start kicks off an initial connect for every channel and the periodic
// health check that re-probes anything left disconnected.
func (m *Manager) Start(ctx context.Context) {
	for name := range m.probes {
		go m.Connect(ctx, name)
	}
	_, err := m.scheduler.Every(m.healthInterval).Tag("health-check").Do(func() {
		m.healthCheck(context.Background())
	})
	if err != nil {
		m.log.Error("failed to schedule health check", "error", err)
		return
	}
	m.scheduler.StartAsync()
}

// Connect runs the channel's probe under the configured timeout. A manual
// call clears the retry-exhausted latch, so it also serves as the operator's
// reconnect after max-retries-reached.
func (m *Manager) Connect(ctx context.Context, channel string) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	state, ok := m.states[channel]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("connect requested for unknown channel", "channel", channel)
		return
	}
	m.cancelRetryLocked(state)
	state.exhausted = false
	state.gen++
	probe := m.probes[channel]
	m.mu.Unlock()

	m.attempt(ctx, channel, probe)
}

// attempt is the shared path for initial, manual and retry connects.
func (m *Manager) attempt(ctx context.Context, channel string, probe Probe) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	gen := m.states[channel].gen
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := probe(probeCtx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	state := m.states[channel]
	if state.gen != gen {
		// Disconnect or a fresh Connect raced with this probe; drop the
		// stale result.
		return
	}

	if err == nil {
		state.connected = true
		state.attempts = 0
		state.errorCount = 0
		state.exhausted = false
		m.publishStatusLocked(channel, state, "")
		m.bus.Record(monitor.LevelInfo, monitor.CategoryChannel, "channel-connected",
			map[string]any{"channel": channel})
		return
	}

	state.connected = false
	state.errorCount++
	state.attempts++
	m.publishStatusLocked(channel, state, err.Error())
	m.bus.Record(monitor.LevelError, monitor.CategoryChannel, "channel-connect-failed",
		map[string]any{"channel": channel, "attempt": state.attempts, "error": err.Error()})

	if state.attempts >= m.maxRetries {
		if !state.exhausted {
			state.exhausted = true
			m.bus.Record(monitor.LevelWarn, monitor.CategoryChannel, "max-retries-reached",
				map[string]any{"channel": channel, "attempts": state.attempts})
		}
		return
	}

	delay := m.baseDelay << (state.attempts - 1)
	state.retryTimer = time.AfterFunc(delay, func() {
		m.retry(channel, probe)
	})
}

func (m *Manager) retry(channel string, probe Probe) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	state := m.states[channel]
	state.retryTimer = nil
	m.mu.Unlock()

	m.attempt(context.Background(), channel, probe)
}

// Disconnect cancels any pending retry and forces the channel down.
func (m *Manager) Disconnect(channel string) {
	m.mu.Lock()
	state, ok := m.states[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked(state)
	state.gen++
	wasConnected := state.connected
	state.connected = false
	state.exhausted = false
	state.attempts = 0
	m.publishStatusLocked(channel, state, "")
	m.mu.Unlock()

	if wasConnected {
		m.bus.Record(monitor.LevelInfo, monitor.CategoryChannel, "channel-disconnected",
			map[string]any{"channel": channel})
	}
}

// healthCheck re-probes channels that are down, unless a backoff retry is
// already pending or the retry ceiling was hit.
func (m *Manager) healthCheck(ctx context.Context) {
	m.mu.Lock()
	var stale []string
	for name, state := range m.states {
		if !state.connected && !state.exhausted && state.retryTimer == nil {
			stale = append(stale, name)
		}
	}
	probes := make(map[string]Probe, len(stale))
	for _, name := range stale {
		probes[name] = m.probes[name]
	}
	m.mu.Unlock()

	for name, probe := range probes {
		m.attempt(ctx, name, probe)
	}
}

// Shutdown cancels the health check and all retry timers, forces both
// channels down, and guarantees no timer fires after return. Idempotent.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.scheduler.Stop()

		m.mu.Lock()
		m.shutdown = true
		for name, state := range m.states {
			m.cancelRetryLocked(state)
			state.connected = false
			m.publishStatusLocked(name, state, "")
		}
		m.mu.Unlock()
	})
}

func (m *Manager) cancelRetryLocked(state *channelState) {
	if state.retryTimer != nil {
		state.retryTimer.Stop()
		state.retryTimer = nil
	}
}

func (m *Manager) publishStatusLocked(channel string, state *channelState, lastErr string) {
	connected := state.connected
	attempts := state.attempts
	errorCount := state.errorCount
	patch := monitor.StatusPatch{
		Connected:         &connected,
		ReconnectAttempts: &attempts,
		ErrorCount:        &errorCount,
	}
	if lastErr != "" {
		patch.LastError = &lastErr
	}
	m.bus.UpdateChannel(channel, patch)
}
