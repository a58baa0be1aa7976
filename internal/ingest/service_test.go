package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nlisenk/hubwatch/internal/config"
	"github.com/nlisenk/hubwatch/internal/monitor"
	"github.com/nlisenk/hubwatch/internal/platform"
	"github.com/nlisenk/hubwatch/internal/secrets"
	"github.com/nlisenk/hubwatch/internal/store"
)

const testAppSecret = "app-secret-for-tests"

type fakeAPI struct {
	conversations func(ctx context.Context, accountID, token, after string, limit int) (platform.ConversationPage, error)
	messages      func(ctx context.Context, conversationID, token, after string, limit int) (platform.MessagePage, error)
}

func (f *fakeAPI) Conversations(ctx context.Context, accountID, token, after string, limit int) (platform.ConversationPage, error) {
	if f.conversations == nil {
		return platform.ConversationPage{}, nil
	}
	return f.conversations(ctx, accountID, token, after, limit)
}

func (f *fakeAPI) Messages(ctx context.Context, conversationID, token, after string, limit int) (platform.MessagePage, error) {
	if f.messages == nil {
		return platform.MessagePage{}, nil
	}
	return f.messages(ctx, conversationID, token, after, limit)
}

func newTestService(t *testing.T, api platformAPI) (*Service, *store.Store, *monitor.Monitor) {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "ingest-test"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus, err := monitor.New(monitor.Options{
		Channels:     []string{"webhook", "api"},
		RingCapacity: 200,
		LogDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	t.Cleanup(bus.Shutdown)

	cipher, err := secrets.NewCipher("ingest-test-secret")
	if err != nil {
		t.Fatalf("secrets.NewCipher: %v", err)
	}

	svc := NewService(Options{
		Store:     db,
		Bus:       bus,
		Client:    api,
		Cipher:    cipher,
		AppSecret: testAppSecret,
		Scoring:   defaultScoring(),
		Filters: config.FilterConfig{
			DropEchoes:          true,
			DropSponsored:       true,
			DropHidden:          true,
			DropFeedbackPrompts: true,
		},
		Polling: config.PollingConfig{Interval: time.Minute, PageSize: 25, MaxPages: 3},
	})
	t.Cleanup(svc.Shutdown)
	return svc, db, bus
}

func signSHA256(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signSHA1(body []byte) string {
	mac := hmac.New(sha1.New, []byte(testAppSecret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func deliveryBody(t *testing.T, mid, text string, ts time.Time) []byte {
	t.Helper()
	return []byte(`{
		"object": "page",
		"entry": [{
			"id": "conv-1",
			"time": ` + timestampMillis(ts) + `,
			"messaging": [{
				"sender": {"id": "user-9", "name": "Ada"},
				"recipient": {"id": "page-1"},
				"timestamp": ` + timestampMillis(ts) + `,
				"message": {"mid": "` + mid + `", "text": "` + text + `"}
			}]
		}]
	}`)
}

func timestampMillis(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

func logMessages(bus *monitor.Monitor) []string {
	snap := bus.Snapshot()
	out := make([]string, 0, len(snap.RecentLogs))
	for _, entry := range snap.RecentLogs {
		out = append(out, entry.Message)
	}
	return out
}

func countLog(bus *monitor.Monitor, message string) int {
	var n int
	for _, got := range logMessages(bus) {
		if got == message {
			n++
		}
	}
	return n
}

func TestHandleDeliveryAcceptsSignedPayload(t *testing.T) {
	t.Parallel()

	svc, db, bus := newTestService(t, &fakeAPI{})
	body := deliveryBody(t, "mid-1", "Hi, is the blue one still in stock?", time.Now().UTC())

	if err := svc.HandleDelivery(context.Background(), body, signSHA256(body)); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}

	msg, err := db.GetMessage(context.Background(), "mid-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Source != SourceWebhook {
		t.Fatalf("expected webhook provenance, got %q", msg.Source)
	}
	if msg.Authenticity != store.AuthenticityVerified {
		t.Fatalf("expected verified, got %s", msg.Authenticity)
	}
	if countLog(bus, "ingestion-accepted") != 1 {
		t.Fatal("expected one ingestion-accepted event")
	}
}

func TestHandleDeliveryAcceptsLegacySHA1(t *testing.T) {
	t.Parallel()

	svc, db, _ := newTestService(t, &fakeAPI{})
	body := deliveryBody(t, "mid-sha1", "Hello, do you ship to Portugal?", time.Now().UTC())

	if err := svc.HandleDelivery(context.Background(), body, signSHA1(body)); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}
	if ok, _ := db.HasMessage(context.Background(), "mid-sha1"); !ok {
		t.Fatal("expected message persisted")
	}
}

func TestHandleDeliveryRejectsTamperedBody(t *testing.T) {
	t.Parallel()

	svc, db, _ := newTestService(t, &fakeAPI{})
	body := deliveryBody(t, "mid-2", "original content here", time.Now().UTC())
	signature := signSHA256(body)
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] ^= 0x01

	err := svc.HandleDelivery(context.Background(), tampered, signature)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}

	count, err := db.CountMessages(context.Background())
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 0 {
		t.Fatalf("tampered body was processed: %d messages stored", count)
	}
}

func TestHandleDeliveryRejectsBadHeaders(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeAPI{})
	body := deliveryBody(t, "mid-3", "hello hello", time.Now().UTC())

	for _, header := range []string{"", "sha256", "md5=abcdef", "sha256=zzzz", "sha256=deadbeef"} {
		if err := svc.HandleDelivery(context.Background(), body, header); !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("header %q: expected ErrSignatureMismatch, got %v", header, err)
		}
	}
}

func TestHandleDeliveryMalformedPayloadAcknowledged(t *testing.T) {
	t.Parallel()

	svc, db, bus := newTestService(t, &fakeAPI{})
	body := []byte(`{"object": "page", "entry": [{`)

	if err := svc.HandleDelivery(context.Background(), body, signSHA256(body)); err != nil {
		t.Fatalf("expected malformed payload to be acknowledged, got %v", err)
	}
	if count, _ := db.CountMessages(context.Background()); count != 0 {
		t.Fatalf("expected no messages, got %d", count)
	}
	if countLog(bus, "webhook-malformed-payload") != 1 {
		t.Fatal("expected webhook-malformed-payload event")
	}
}

func TestDuplicateExternalIDIsNoOp(t *testing.T) {
	t.Parallel()

	svc, db, bus := newTestService(t, &fakeAPI{})
	now := time.Now().UTC()

	webhook := Candidate{
		ExternalID: "dup-1",
		SenderID:   "user-9",
		SenderName: "Ada",
		Content:    "Hi, is the blue one still in stock?",
		OccurredAt: now,
		Source:     SourceWebhook,
	}
	poll := webhook
	poll.Source = SourcePoll
	poll.Content = "different text from the poll sighting"

	svc.ProcessCandidate(context.Background(), webhook)
	svc.ProcessCandidate(context.Background(), poll)

	count, _ := db.CountMessages(context.Background())
	if count != 1 {
		t.Fatalf("expected one stored message, got %d", count)
	}
	msg, err := db.GetMessage(context.Background(), "dup-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Source != SourceWebhook {
		t.Fatalf("first sighting should win, got source %q", msg.Source)
	}
	if countLog(bus, "ingestion-duplicate") != 1 {
		t.Fatal("expected one ingestion-duplicate event")
	}
}

func TestSuspiciousCandidateDropped(t *testing.T) {
	t.Parallel()

	svc, db, bus := newTestService(t, &fakeAPI{})
	svc.ProcessCandidate(context.Background(), Candidate{
		ExternalID: "spam-1",
		Content:    "free money!!! aaaaaaaaaa",
		Source:     SourceWebhook,
	})

	if count, _ := db.CountMessages(context.Background()); count != 0 {
		t.Fatalf("suspicious candidate persisted: %d messages", count)
	}
	if countLog(bus, "ingestion-suspicious") != 1 {
		t.Fatal("expected one ingestion-suspicious event")
	}
}

func TestExclusionFiltersDropRegardlessOfScore(t *testing.T) {
	t.Parallel()

	svc, db, bus := newTestService(t, &fakeAPI{})
	now := time.Now().UTC()

	base := plausibleCandidate(now)
	base.Source = SourcePoll

	echo := base
	echo.ExternalID = "f-echo"
	echo.IsEcho = true

	sponsored := base
	sponsored.ExternalID = "f-sponsored"
	sponsored.Sponsored = true

	hidden := base
	hidden.ExternalID = "f-hidden"
	hidden.Removed = true

	feedback := base
	feedback.ExternalID = "f-feedback"
	feedback.Content = "How did we do? Rate your experience!"

	for _, c := range []Candidate{echo, sponsored, hidden, feedback} {
		svc.ProcessCandidate(context.Background(), c)
	}

	if count, _ := db.CountMessages(context.Background()); count != 0 {
		t.Fatalf("filtered candidates persisted: %d messages", count)
	}
	if got := countLog(bus, "ingestion-filtered"); got != 4 {
		t.Fatalf("expected 4 ingestion-filtered events, got %d", got)
	}
}
