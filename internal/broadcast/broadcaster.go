// Package broadcast bridges the status monitor onto websockets: every
// subscriber gets the current snapshot first, then the live event stream in
// emission order. Delivery is fire-and-forget; a subscriber that cannot keep
// up is closed rather than allowed to block the bus.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nlisenk/hubwatch/internal/monitor"
)

// SubscriberInfo is the observable state of one connected client.
type SubscriberInfo struct {
	ID             string    `json:"id"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type subscriber struct {
	id          string
	connectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time

	msgs      chan []byte
	closeSlow func()
}

func (s *subscriber) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *subscriber) info() SubscriberInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriberInfo{ID: s.id, ConnectedAt: s.connectedAt, LastActivityAt: s.lastActivity}
}

// Options configures a Broadcaster.
type Options struct {
	Buffer       int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Broadcaster owns the subscriber registry and the single pump goroutine
// that republishes bus events to every connected socket.
type Broadcaster struct {
	bus          *monitor.Monitor
	buffer       int
	writeTimeout time.Duration
	log          *slog.Logger

	pumpID string

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewBroadcaster builds a broadcaster over the given bus. Start begins the
// pump.
func NewBroadcaster(bus *monitor.Monitor, opts Options) *Broadcaster {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		bus:          bus,
		buffer:       opts.Buffer,
		writeTimeout: opts.WriteTimeout,
		log:          opts.Logger,
		pumpID:       "broadcast-" + uuid.NewString(),
		subscribers:  make(map[*subscriber]struct{}),
	}
}

// Start subscribes to the bus and republishes until the bus shuts down.
func (b *Broadcaster) Start() {
	events := b.bus.Subscribe(b.pumpID, b.buffer*4)
	go func() {
		for event := range events {
			payload, err := json.Marshal(event)
			if err != nil {
				b.log.Error("failed to encode bus event", "error", err)
				continue
			}
			b.publish(payload)
		}
	}()
}

// Shutdown detaches from the bus and closes every connected socket.
func (b *Broadcaster) Shutdown() {
	b.bus.Unsubscribe(b.pumpID)

	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.closeSlow()
	}
}

// Subscribers returns the current registry, for the status surface.
func (b *Broadcaster) Subscribers() []SubscriberInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SubscriberInfo, 0, len(b.subscribers))
	for s := range b.subscribers {
		out = append(out, s.info())
	}
	return out
}

// publish fans a payload out to every subscriber. A full buffer means the
// client is too slow; it gets closed instead of stalling everyone else.
func (b *Broadcaster) publish(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		select {
		case s.msgs <- payload:
		default:
			go s.closeSlow()
		}
	}
}

func (b *Broadcaster) add(s *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.subscribers[s] = struct{}{}
	return true
}

func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}

// snapshotPayload is the first frame on every new connection.
type snapshotPayload struct {
	Type string `json:"type"`
	monitor.Snapshot
}

// Handle upgrades the request and serves the subscriber until it disconnects
// or falls behind. A silent disconnect just removes it from the registry.
func (b *Broadcaster) Handle(w http.ResponseWriter, r *http.Request) error {
	var mu sync.Mutex
	var conn *websocket.Conn
	var closed bool

	now := time.Now().UTC()
	s := &subscriber{
		id:           uuid.NewString(),
		connectedAt:  now,
		lastActivity: now,
		msgs:         make(chan []byte, b.buffer),
		closeSlow: func() {
			mu.Lock()
			defer mu.Unlock()
			closed = true
			if conn != nil {
				conn.Close(websocket.StatusPolicyViolation, "too slow to keep up with events")
			}
		},
	}
	if !b.add(s) {
		return net.ErrClosed
	}
	defer b.remove(s)

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	mu.Lock()
	if closed {
		mu.Unlock()
		return net.ErrClosed
	}
	conn = c
	mu.Unlock()
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())

	// Late joiners get the current state before any live event.
	snapshot, err := json.Marshal(snapshotPayload{Type: "snapshot", Snapshot: b.bus.Snapshot()})
	if err != nil {
		return err
	}
	if err := b.write(ctx, c, snapshot); err != nil {
		return err
	}
	s.touch()

	for {
		select {
		case payload := <-s.msgs:
			if err := b.write(ctx, c, payload); err != nil {
				return err
			}
			s.touch()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Broadcaster) write(ctx context.Context, c *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, payload)
}
