// Package ingest merges two intake paths, signed webhooks and scheduled
// polling, into one acceptance pipeline: score, filter, dedup, persist.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/nlisenk/hubwatch/internal/config"
	"github.com/nlisenk/hubwatch/internal/monitor"
	"github.com/nlisenk/hubwatch/internal/platform"
	"github.com/nlisenk/hubwatch/internal/secrets"
	"github.com/nlisenk/hubwatch/internal/store"
)

// ErrSignatureMismatch rejects a webhook delivery whose signature header does
// not match the HMAC of the raw body. The body is never parsed in that case.
var ErrSignatureMismatch = errors.New("ingest: signature mismatch")

// Source names for message provenance.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// platformAPI is the slice of the platform client the poller needs.
type platformAPI interface {
	Conversations(ctx context.Context, accountID, accessToken, after string, limit int) (platform.ConversationPage, error)
	Messages(ctx context.Context, conversationID, accessToken, after string, limit int) (platform.MessagePage, error)
}

// Candidate is a raw inbound message normalized from either intake path,
// awaiting scoring and filtering.
type Candidate struct {
	ExternalID     string
	SenderID       string
	SenderName     string
	RecipientID    string
	Content        string
	OccurredAt     time.Time
	ConversationID string
	IsEcho         bool
	Sponsored      bool
	Hidden         bool
	Removed        bool
	Source         string
}

// Options configures a Service.
type Options struct {
	Store     *store.Store
	Bus       *monitor.Monitor
	Client    platformAPI
	Cipher    *secrets.Cipher
	AppSecret string
	Scoring   config.ScoringConfig
	Filters   config.FilterConfig
	Polling   config.PollingConfig
	Logger    *slog.Logger
}

// Service is the message ingestion pipeline. Both paths converge on
// processCandidate; a malformed candidate is logged and skipped, never
// aborting its batch.
type Service struct {
	store     *store.Store
	bus       *monitor.Monitor
	client    platformAPI
	cipher    *secrets.Cipher
	appSecret []byte
	scoring   config.ScoringConfig
	filters   config.FilterConfig
	polling   config.PollingConfig
	log       *slog.Logger

	scheduler *gocron.Scheduler

	mu     sync.Mutex
	polled map[string]struct{}
}

// NewService builds the ingestion service. Start begins the polling
// scheduler.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Polling.Interval <= 0 {
		opts.Polling.Interval = 30 * time.Second
	}
	if opts.Polling.PageSize <= 0 {
		opts.Polling.PageSize = 25
	}
	if opts.Polling.MaxPages <= 0 {
		opts.Polling.MaxPages = 5
	}
	return &Service{
		store:     opts.Store,
		bus:       opts.Bus,
		client:    opts.Client,
		cipher:    opts.Cipher,
		appSecret: []byte(opts.AppSecret),
		scoring:   opts.Scoring,
		filters:   opts.Filters,
		polling:   opts.Polling,
		log:       opts.Logger,
		scheduler: gocron.NewScheduler(time.UTC),
		polled:    make(map[string]struct{}),
	}
}

// Start runs the polling scheduler and registers a task for every account
// already active in the store.
func (s *Service) Start(ctx context.Context) error {
	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("ingest: list accounts: %w", err)
	}
	for _, account := range accounts {
		if err := s.StartPolling(account.ID); err != nil {
			return err
		}
	}
	s.scheduler.StartAsync()
	return nil
}

// Shutdown stops the polling scheduler. In-flight ticks finish on their own.
func (s *Service) Shutdown() {
	s.scheduler.Stop()
}

// webhookEnvelope is the pushed delivery format: a batch of entries, each
// carrying one or more messaging events.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string             `json:"id"`
		Time      int64              `json:"time"`
		Messaging []webhookMessaging `json:"messaging"`
	} `json:"entry"`
}

type webhookMessaging struct {
	Sender struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// HandleDelivery verifies the signature header against the raw body, then
// extracts and processes every candidate in the envelope. A signature
// mismatch returns ErrSignatureMismatch without touching the body.
func (s *Service) HandleDelivery(ctx context.Context, body []byte, signatureHeader string) error {
	if err := s.verifySignature(body, signatureHeader); err != nil {
		s.bus.Record(monitor.LevelWarn, monitor.CategoryIngestion, "webhook-signature-rejected",
			map[string]any{"reason": err.Error()})
		return err
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Authenticated but unparseable; log and acknowledge so the platform
		// does not redeliver forever.
		s.bus.Record(monitor.LevelError, monitor.CategoryIngestion, "webhook-malformed-payload",
			map[string]any{"error": err.Error()})
		return nil
	}

	for _, entry := range envelope.Entry {
		for _, event := range entry.Messaging {
			if event.Message.MID == "" {
				continue // delivery receipts, read events and the like
			}
			s.ProcessCandidate(ctx, Candidate{
				ExternalID:     event.Message.MID,
				SenderID:       event.Sender.ID,
				SenderName:     event.Sender.Name,
				RecipientID:    event.Recipient.ID,
				Content:        event.Message.Text,
				OccurredAt:     time.UnixMilli(event.Timestamp).UTC(),
				ConversationID: entry.ID,
				IsEcho:         event.Message.IsEcho,
				Source:         SourceWebhook,
			})
		}
	}
	return nil
}

// verifySignature recomputes the HMAC over the raw body with the shared app
// secret. Both the legacy sha1= and the current sha256= schemes are accepted.
func (s *Service) verifySignature(body []byte, header string) error {
	scheme, wantHex, ok := strings.Cut(header, "=")
	if !ok {
		return fmt.Errorf("%w: malformed header", ErrSignatureMismatch)
	}
	var mac hash.Hash
	switch scheme {
	case "sha1":
		mac = hmac.New(sha1.New, s.appSecret)
	case "sha256":
		mac = hmac.New(sha256.New, s.appSecret)
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrSignatureMismatch, scheme)
	}
	want, err := hex.DecodeString(wantHex)
	if err != nil {
		return fmt.Errorf("%w: malformed digest", ErrSignatureMismatch)
	}
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrSignatureMismatch
	}
	return nil
}

// ProcessCandidate runs one candidate through filters, scoring and dedup.
// Every outcome is logged; failures never propagate to the caller's batch.
func (s *Service) ProcessCandidate(ctx context.Context, c Candidate) {
	if reason, drop := s.excluded(c); drop {
		s.bus.Record(monitor.LevelDebug, monitor.CategoryIngestion, "ingestion-filtered",
			map[string]any{"externalId": c.ExternalID, "reason": reason, "source": c.Source})
		return
	}

	score := scoreCandidate(c, s.scoring, time.Now().UTC())
	authenticity := classify(score, s.scoring)
	if authenticity == store.AuthenticitySuspicious {
		s.bus.Record(monitor.LevelWarn, monitor.CategoryIngestion, "ingestion-suspicious",
			map[string]any{"externalId": c.ExternalID, "score": score, "source": c.Source})
		return
	}

	inserted, err := s.store.InsertMessage(ctx, store.Message{
		ExternalID:     c.ExternalID,
		SenderID:       c.SenderID,
		SenderName:     c.SenderName,
		RecipientID:    c.RecipientID,
		Content:        c.Content,
		OccurredAt:     c.OccurredAt,
		ConversationID: c.ConversationID,
		Authenticity:   authenticity,
		Automated:      c.IsEcho,
		Source:         c.Source,
	})
	if err != nil {
		s.bus.Record(monitor.LevelError, monitor.CategoryIngestion, "ingestion-store-failed",
			map[string]any{"externalId": c.ExternalID, "error": err.Error()})
		return
	}
	if !inserted {
		s.bus.Record(monitor.LevelDebug, monitor.CategoryIngestion, "ingestion-duplicate",
			map[string]any{"externalId": c.ExternalID, "source": c.Source})
		return
	}

	s.bus.Record(monitor.LevelInfo, monitor.CategoryIngestion, "ingestion-accepted",
		map[string]any{
			"externalId":   c.ExternalID,
			"source":       c.Source,
			"authenticity": string(authenticity),
			"score":        score,
		})
}

// excluded applies the configured exclusion filters. Matches drop the
// candidate regardless of its score.
func (s *Service) excluded(c Candidate) (string, bool) {
	switch {
	case s.filters.DropEchoes && c.IsEcho:
		return "echo", true
	case s.filters.DropSponsored && c.Sponsored:
		return "sponsored", true
	case s.filters.DropHidden && (c.Hidden || c.Removed):
		return "hidden", true
	case s.filters.DropFeedbackPrompts && isFeedbackPrompt(c.Content):
		return "feedback-prompt", true
	}
	return "", false
}
