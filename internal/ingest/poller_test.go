package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nlisenk/hubwatch/internal/platform"
)

func registerTestAccount(t *testing.T, svc *Service, id string) {
	t.Helper()
	if err := svc.RegisterAccount(context.Background(), id, "Test Page", "token-"+id); err != nil {
		t.Fatalf("RegisterAccount: %v", err)
	}
}

func TestPollAccountPersistsMessages(t *testing.T) {
	t.Parallel()

	created := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	api := &fakeAPI{
		conversations: func(ctx context.Context, accountID, token, after string, limit int) (platform.ConversationPage, error) {
			if token != "token-acct-1" {
				return platform.ConversationPage{}, fmt.Errorf("unexpected token %q", token)
			}
			if after != "" {
				return platform.ConversationPage{}, nil
			}
			return platform.ConversationPage{
				Data: []platform.Conversation{{ID: "conv-1"}},
			}, nil
		},
		messages: func(ctx context.Context, conversationID, token, after string, limit int) (platform.MessagePage, error) {
			if after != "" {
				return platform.MessagePage{}, nil
			}
			return platform.MessagePage{
				Data: []platform.Message{{
					ID:          "poll-m1",
					CreatedTime: created,
					From:        platform.Identity{ID: "user-5", Name: "Grace"},
					Text:        "Could you tell me the opening hours?",
				}},
			}, nil
		},
	}

	svc, db, _ := newTestService(t, api)
	registerTestAccount(t, svc, "acct-1")

	svc.pollAccount(context.Background(), "acct-1")

	msg, err := db.GetMessage(context.Background(), "poll-m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Source != SourcePoll {
		t.Fatalf("expected poll provenance, got %q", msg.Source)
	}
	if msg.ConversationID != "conv-1" {
		t.Fatalf("expected conversation id carried through, got %q", msg.ConversationID)
	}
}

func TestPollStopsAtPageCap(t *testing.T) {
	t.Parallel()

	var conversationCalls atomic.Int32
	api := &fakeAPI{
		conversations: func(ctx context.Context, accountID, token, after string, limit int) (platform.ConversationPage, error) {
			n := conversationCalls.Add(1)
			return platform.ConversationPage{
				Data:    []platform.Conversation{{ID: fmt.Sprintf("conv-%d", n)}},
				Cursors: platform.Cursors{After: fmt.Sprintf("cursor-%d", n)},
			}, nil
		},
		messages: func(ctx context.Context, conversationID, token, after string, limit int) (platform.MessagePage, error) {
			return platform.MessagePage{}, nil
		},
	}

	svc, _, _ := newTestService(t, api)
	registerTestAccount(t, svc, "acct-cap")

	svc.pollAccount(context.Background(), "acct-cap")

	if got := conversationCalls.Load(); got != 3 {
		t.Fatalf("expected pagination capped at 3 pages, got %d calls", got)
	}
}

func TestPollInvalidTokenFlagsReauth(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		conversations: func(ctx context.Context, accountID, token, after string, limit int) (platform.ConversationPage, error) {
			return platform.ConversationPage{}, &platform.APIError{
				Kind: platform.ErrorInvalidToken, Code: 190, Message: "token expired",
			}
		},
	}

	svc, db, bus := newTestService(t, api)
	registerTestAccount(t, svc, "acct-bad")

	svc.pollAccount(context.Background(), "acct-bad")

	account, err := db.GetAccount(context.Background(), "acct-bad")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !account.NeedsReauth {
		t.Fatal("expected account flagged for re-auth")
	}
	if countLog(bus, "account-needs-reauth") != 1 {
		t.Fatal("expected account-needs-reauth event")
	}

	// Flagged accounts fall out of the active set and their polling stops.
	active, err := db.ListActiveAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListActiveAccounts: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no pollable accounts, got %d", len(active))
	}
}

func TestPollTransientErrorRetriedNextTick(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	api := &fakeAPI{
		conversations: func(ctx context.Context, accountID, token, after string, limit int) (platform.ConversationPage, error) {
			if calls.Add(1) == 1 {
				return platform.ConversationPage{}, fmt.Errorf("%w: connection reset", platform.ErrNetwork)
			}
			return platform.ConversationPage{}, nil
		},
	}

	svc, db, bus := newTestService(t, api)
	registerTestAccount(t, svc, "acct-flaky")

	svc.pollAccount(context.Background(), "acct-flaky")

	account, _ := db.GetAccount(context.Background(), "acct-flaky")
	if account.NeedsReauth {
		t.Fatal("transient failure must not flag re-auth")
	}
	if countLog(bus, "poll-fetch-failed") != 1 {
		t.Fatal("expected poll-fetch-failed event")
	}

	// Next tick succeeds without any state change in between.
	svc.pollAccount(context.Background(), "acct-flaky")
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected a second attempt on the next tick, got %d calls", got)
	}
}

func TestStartStopPollingIdempotent(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeAPI{})

	if err := svc.StartPolling("acct-x"); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	if err := svc.StartPolling("acct-x"); err != nil {
		t.Fatalf("repeated StartPolling: %v", err)
	}

	svc.StopPolling("acct-x")
	svc.StopPolling("acct-x") // no panic, no error on repeat
}

func TestRemoveAccountStopsPolling(t *testing.T) {
	t.Parallel()

	svc, db, _ := newTestService(t, &fakeAPI{})
	registerTestAccount(t, svc, "acct-rm")

	if err := svc.RemoveAccount(context.Background(), "acct-rm"); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}

	account, err := db.GetAccount(context.Background(), "acct-rm")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Active {
		t.Fatal("expected account deactivated")
	}

	// An inactive account's tick is a no-op even if something still fires it.
	svc.pollAccount(context.Background(), "acct-rm")
	if count, _ := db.CountMessages(context.Background()); count != 0 {
		t.Fatal("inactive account produced messages")
	}
}
