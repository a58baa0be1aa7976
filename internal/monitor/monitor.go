// Package monitor is the single authoritative holder of integration state:
// per-channel connection status and a bounded log history. Producers emit
// into it, subscribers fan out of it, and nothing else mutates the state.
package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Category groups log entries by the subsystem that emitted them.
type Category string

const (
	CategoryIntegration Category = "integration"
	CategoryChannel     Category = "channel"
	CategoryIngestion   Category = "ingestion"
	CategorySystem      Category = "system"
)

// Level is the log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// LogEntry is immutable once created.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// ChannelStatus is the health record for one logical channel. Mutated only
// through UpdateChannel.
type ChannelStatus struct {
	Connected         bool      `json:"connected"`
	LastTransitionAt  time.Time `json:"lastTransitionAt"`
	ReconnectAttempts uint      `json:"reconnectAttempts"`
	ErrorCount        uint      `json:"errorCount"`
	LastError         string    `json:"lastError,omitempty"`
}

// StatusPatch applies partial updates to a ChannelStatus; nil fields are
// left untouched.
type StatusPatch struct {
	Connected         *bool
	ReconnectAttempts *uint
	ErrorCount        *uint
	LastError         *string
}

// EventKind discriminates bus events.
type EventKind string

const (
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
)

// Event is one bus emission, fanned out to all subscribers in order.
type Event struct {
	Kind    EventKind      `json:"type"`
	Channel string         `json:"channel,omitempty"`
	Status  *ChannelStatus `json:"status,omitempty"`
	Entry   *LogEntry      `json:"entry,omitempty"`
}

// Snapshot is the read-only view handed to late joiners and the status API.
type Snapshot struct {
	Channels   map[string]ChannelStatus `json:"channels"`
	RecentLogs []LogEntry               `json:"recentLogs"`
}

// Options configures a Monitor.
type Options struct {
	Channels     []string
	RingCapacity int
	SnapshotLogs int
	LogDir       string
	LogMaxBytes  int64
	LogMaxFiles  int
	OpBuffer     int
	Logger       *slog.Logger
}

// Monitor owns the shared state. All mutation funnels through a single
// goroutine, so operations are atomic with respect to each other and every
// subscriber observes events in emission order.
type Monitor struct {
	ops  chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// Owned exclusively by the loop goroutine.
	channels     map[string]*ChannelStatus
	ring         []LogEntry
	ringCapacity int
	snapshotLogs int
	subscribers  map[string]chan Event

	writer *logWriter
	log    *slog.Logger
}

// New starts a monitor with one status record per named channel, all
// disconnected.
func New(opts Options) (*Monitor, error) {
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = 500
	}
	if opts.SnapshotLogs <= 0 || opts.SnapshotLogs > opts.RingCapacity {
		opts.SnapshotLogs = min(50, opts.RingCapacity)
	}
	if opts.OpBuffer <= 0 {
		opts.OpBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	writer, err := newLogWriter(opts.LogDir, opts.LogMaxBytes, opts.LogMaxFiles, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("monitor: open log writer: %w", err)
	}

	m := &Monitor{
		ops:          make(chan func(), opts.OpBuffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		channels:     make(map[string]*ChannelStatus, len(opts.Channels)),
		ring:         make([]LogEntry, 0, opts.RingCapacity),
		ringCapacity: opts.RingCapacity,
		snapshotLogs: opts.SnapshotLogs,
		subscribers:  make(map[string]chan Event),
		writer:       writer,
		log:          opts.Logger,
	}
	now := time.Now().UTC()
	for _, name := range opts.Channels {
		m.channels[name] = &ChannelStatus{Connected: false, LastTransitionAt: now}
	}

	go m.loop()
	return m, nil
}

func (m *Monitor) loop() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.quit:
			// Drain whatever was enqueued before shutdown.
			for {
				select {
				case op := <-m.ops:
					op()
				default:
					for id, ch := range m.subscribers {
						close(ch)
						delete(m.subscribers, id)
					}
					return
				}
			}
		}
	}
}

// do enqueues an operation for the loop. Returns false once shut down.
func (m *Monitor) do(op func()) bool {
	select {
	case m.ops <- op:
		return true
	case <-m.quit:
		return false
	}
}

// Record appends a log entry to the ring buffer and the durable log, then
// broadcasts it. Fire-and-forget for the caller.
func (m *Monitor) Record(level Level, category Category, message string, details map[string]any) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Category:  category,
		Level:     level,
		Message:   message,
		Details:   details,
	}
	m.do(func() {
		if len(m.ring) == m.ringCapacity {
			copy(m.ring, m.ring[1:])
			m.ring = m.ring[:len(m.ring)-1]
		}
		m.ring = append(m.ring, entry)
		m.writer.Append(entry)
		m.fanOut(Event{Kind: EventLog, Entry: &entry})
	})
}

// UpdateChannel patches one channel's status and broadcasts the change.
// Unknown channel names are ignored; the set is fixed at startup.
func (m *Monitor) UpdateChannel(name string, patch StatusPatch) {
	m.do(func() {
		status, ok := m.channels[name]
		if !ok {
			m.log.Warn("status update for unknown channel", "channel", name)
			return
		}
		if patch.Connected != nil && *patch.Connected != status.Connected {
			status.Connected = *patch.Connected
			status.LastTransitionAt = time.Now().UTC()
		}
		if patch.ReconnectAttempts != nil {
			status.ReconnectAttempts = *patch.ReconnectAttempts
		}
		if patch.ErrorCount != nil {
			status.ErrorCount = *patch.ErrorCount
		}
		if patch.LastError != nil {
			status.LastError = *patch.LastError
		}
		snapshot := *status
		m.fanOut(Event{Kind: EventStatus, Channel: name, Status: &snapshot})
	})
}

// Snapshot returns a copy of all channel statuses plus the most recent log
// entries. Safe to hand out; nothing aliases loop-owned state.
func (m *Monitor) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	ok := m.do(func() {
		reply <- m.snapshotLocked()
	})
	if !ok {
		return Snapshot{Channels: map[string]ChannelStatus{}}
	}
	return <-reply
}

func (m *Monitor) snapshotLocked() Snapshot {
	channels := make(map[string]ChannelStatus, len(m.channels))
	for name, status := range m.channels {
		channels[name] = *status
	}
	count := min(m.snapshotLogs, len(m.ring))
	recent := make([]LogEntry, count)
	copy(recent, m.ring[len(m.ring)-count:])
	return Snapshot{Channels: channels, RecentLogs: recent}
}

// Subscribe registers a buffered event channel. Events that would overflow a
// subscriber are dropped for that subscriber only; the bus never blocks.
func (m *Monitor) Subscribe(id string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	ok := m.do(func() {
		if old, exists := m.subscribers[id]; exists {
			close(old)
		}
		m.subscribers[id] = ch
	})
	if !ok {
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel; its pending
// buffer is discarded.
func (m *Monitor) Unsubscribe(id string) {
	m.do(func() {
		if ch, ok := m.subscribers[id]; ok {
			close(ch)
			delete(m.subscribers, id)
		}
	})
}

func (m *Monitor) fanOut(ev Event) {
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// QueryLogs filters the durable history, newest first.
func (m *Monitor) QueryLogs(filter LogFilter) ([]LogEntry, error) {
	return m.writer.Query(filter)
}

// Shutdown stops the loop and flushes the durable log. Idempotent; no state
// mutation happens after it returns.
func (m *Monitor) Shutdown() {
	m.once.Do(func() {
		close(m.quit)
		<-m.done
		m.writer.Close()
	})
}
