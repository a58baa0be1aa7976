package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nlisenk/hubwatch/internal/monitor"
)

type frame struct {
	Type    string                 `json:"type"`
	Channel string                 `json:"channel,omitempty"`
	Status  *monitor.ChannelStatus `json:"status,omitempty"`
	Entry   *monitor.LogEntry      `json:"entry,omitempty"`

	Channels   map[string]monitor.ChannelStatus `json:"channels,omitempty"`
	RecentLogs []monitor.LogEntry               `json:"recentLogs,omitempty"`
}

func newTestBus(t *testing.T) *monitor.Monitor {
	t.Helper()
	bus, err := monitor.New(monitor.Options{
		Channels:     []string{"webhook", "api"},
		RingCapacity: 100,
		LogDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	t.Cleanup(bus.Shutdown)
	return bus
}

func startBroadcaster(t *testing.T, bus *monitor.Monitor, opts Options) (*Broadcaster, string) {
	t.Helper()
	b := NewBroadcaster(bus, opts)
	b.Start()
	t.Cleanup(b.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = b.Handle(w, r)
	}))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		t.Fatalf("decode frame %q: %v", payload, err)
	}
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSnapshotFirstThenLiveEvents(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	bus.Record(monitor.LevelInfo, monitor.CategorySystem, "before-connect", nil)

	b, url := startBroadcaster(t, bus, Options{})
	conn := dial(t, url)

	first := readFrame(t, conn)
	if first.Type != "snapshot" {
		t.Fatalf("expected snapshot first, got %q", first.Type)
	}
	if _, ok := first.Channels["webhook"]; !ok {
		t.Fatal("snapshot missing webhook channel")
	}
	if len(first.RecentLogs) != 1 || first.RecentLogs[0].Message != "before-connect" {
		t.Fatalf("snapshot missing earlier log: %+v", first.RecentLogs)
	}

	waitFor(t, 2*time.Second, func() bool { return len(b.Subscribers()) == 1 })

	bus.Record(monitor.LevelWarn, monitor.CategoryChannel, "live-log", nil)
	second := readFrame(t, conn)
	if second.Type != "log" || second.Entry == nil || second.Entry.Message != "live-log" {
		t.Fatalf("expected live log frame, got %+v", second)
	}

	connected := true
	bus.UpdateChannel("api", monitor.StatusPatch{Connected: &connected})
	third := readFrame(t, conn)
	if third.Type != "status" || third.Channel != "api" || third.Status == nil || !third.Status.Connected {
		t.Fatalf("expected api status frame, got %+v", third)
	}
}

func TestEventsArriveInEmissionOrder(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	_, url := startBroadcaster(t, bus, Options{})
	conn := dial(t, url)
	readFrame(t, conn) // snapshot

	for i := 0; i < 5; i++ {
		bus.Record(monitor.LevelInfo, monitor.CategorySystem, "seq", map[string]any{"n": i})
	}
	for i := 0; i < 5; i++ {
		f := readFrame(t, conn)
		if f.Type != "log" || f.Entry == nil {
			t.Fatalf("frame %d: expected log, got %+v", i, f)
		}
		if got := f.Entry.Details["n"]; got != float64(i) {
			t.Fatalf("frame %d out of order: n=%v", i, got)
		}
	}
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	b, url := startBroadcaster(t, bus, Options{})
	conn := dial(t, url)
	readFrame(t, conn)

	waitFor(t, 2*time.Second, func() bool { return len(b.Subscribers()) == 1 })
	info := b.Subscribers()[0]
	if info.ID == "" || info.ConnectedAt.IsZero() {
		t.Fatalf("subscriber info incomplete: %+v", info)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, 5*time.Second, func() bool { return len(b.Subscribers()) == 0 })

	// Publishing after the disconnect must not panic or resurrect it.
	bus.Record(monitor.LevelInfo, monitor.CategorySystem, "after-close", nil)
	if got := len(b.Subscribers()); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
}

func TestSlowSubscriberIsClosed(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	b, url := startBroadcaster(t, bus, Options{Buffer: 1, WriteTimeout: 200 * time.Millisecond})
	conn := dial(t, url)
	readFrame(t, conn)
	waitFor(t, 2*time.Second, func() bool { return len(b.Subscribers()) == 1 })

	// Flood without reading: the socket buffer fills, the subscriber buffer
	// overflows and the connection gets closed instead of blocking the bus.
	padding := strings.Repeat("x", 16*1024)
	for i := 0; i < 512; i++ {
		bus.Record(monitor.LevelInfo, monitor.CategorySystem, "flood", map[string]any{"pad": padding})
	}

	waitFor(t, 10*time.Second, func() bool { return len(b.Subscribers()) == 0 })
}
