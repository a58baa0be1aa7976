package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/nlisenk/hubwatch/internal/monitor"
	"github.com/nlisenk/hubwatch/internal/platform"
	"github.com/nlisenk/hubwatch/internal/store"
)

// RegisterAccount stores the account with its token encrypted at rest and
// starts polling it. Re-registering refreshes the token and clears any
// re-auth flag.
func (s *Service) RegisterAccount(ctx context.Context, id, name, accessToken string) error {
	encrypted, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("ingest: encrypt token: %w", err)
	}
	if err := s.store.UpsertAccount(ctx, store.Account{
		ID:             id,
		Name:           name,
		EncryptedToken: encrypted,
		Active:         true,
	}); err != nil {
		return err
	}
	s.bus.Record(monitor.LevelInfo, monitor.CategoryIntegration, "account-registered",
		map[string]any{"accountId": id})
	return s.StartPolling(id)
}

// RemoveAccount stops polling and deactivates the account. The stored token
// is kept for audit; only active accounts are ever decrypted.
func (s *Service) RemoveAccount(ctx context.Context, id string) error {
	s.StopPolling(id)
	if err := s.store.DeactivateAccount(ctx, id); err != nil {
		return err
	}
	s.bus.Record(monitor.LevelInfo, monitor.CategoryIntegration, "account-removed",
		map[string]any{"accountId": id})
	return nil
}

// StartPolling schedules the fixed-interval poll task for the account.
// Idempotent: a second call for the same account is a no-op.
func (s *Service) StartPolling(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polled[accountID]; ok {
		return nil
	}
	_, err := s.scheduler.Every(s.polling.Interval).Tag(pollTag(accountID)).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.polling.Interval)
		defer cancel()
		s.pollAccount(ctx, accountID)
	})
	if err != nil {
		return fmt.Errorf("ingest: schedule polling for %s: %w", accountID, err)
	}
	s.polled[accountID] = struct{}{}
	return nil
}

// StopPolling removes the account's poll task. Idempotent.
func (s *Service) StopPolling(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polled[accountID]; !ok {
		return
	}
	if err := s.scheduler.RemoveByTag(pollTag(accountID)); err != nil {
		s.log.Warn("failed to remove poll task", "accountId", accountID, "error", err)
	}
	delete(s.polled, accountID)
}

func pollTag(accountID string) string {
	return "poll-" + accountID
}

// pollAccount runs one tick: conversations page by page, then recent
// messages per conversation. Transient failures are logged with their typed
// reason and retried on the next tick; an unreadable or rejected token flags
// the account for re-authorization and stops its polling.
func (s *Service) pollAccount(ctx context.Context, accountID string) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.bus.Record(monitor.LevelError, monitor.CategoryIngestion, "poll-account-lookup-failed",
			map[string]any{"accountId": accountID, "error": err.Error()})
		return
	}
	if !account.Active || account.NeedsReauth {
		s.StopPolling(accountID)
		return
	}

	token, err := s.cipher.Decrypt(account.EncryptedToken)
	if err != nil {
		s.flagReauth(ctx, accountID, "token-unreadable", err)
		return
	}

	after := ""
	for page := 0; page < s.polling.MaxPages; page++ {
		conversations, err := s.client.Conversations(ctx, accountID, token, after, s.polling.PageSize)
		if err != nil {
			s.handlePollError(ctx, accountID, err)
			return
		}
		if len(conversations.Data) == 0 {
			break
		}
		for _, conversation := range conversations.Data {
			if err := s.pollConversation(ctx, accountID, conversation.ID, token); err != nil {
				s.handlePollError(ctx, accountID, err)
				return
			}
		}
		after = conversations.Cursors.After
		if after == "" {
			break
		}
	}
}

func (s *Service) pollConversation(ctx context.Context, accountID, conversationID, token string) error {
	after := ""
	for page := 0; page < s.polling.MaxPages; page++ {
		messages, err := s.client.Messages(ctx, conversationID, token, after, s.polling.PageSize)
		if err != nil {
			return err
		}
		if len(messages.Data) == 0 {
			return nil
		}
		for _, message := range messages.Data {
			s.ProcessCandidate(ctx, candidateFromMessage(accountID, conversationID, message))
		}
		after = messages.Cursors.After
		if after == "" {
			return nil
		}
	}
	return nil
}

func candidateFromMessage(accountID, conversationID string, m platform.Message) Candidate {
	occurredAt, _ := platform.ParseTimestamp(m.CreatedTime)
	recipient := accountID
	if len(m.To) > 0 {
		recipient = m.To[0].ID
	}
	return Candidate{
		ExternalID:     m.ID,
		SenderID:       m.From.ID,
		SenderName:     m.From.Name,
		RecipientID:    recipient,
		Content:        m.Text,
		OccurredAt:     occurredAt,
		ConversationID: conversationID,
		IsEcho:         m.IsEcho,
		Sponsored:      m.Sponsored,
		Hidden:         m.Hidden,
		Removed:        m.Removed,
		Source:         SourcePoll,
	}
}

// handlePollError classifies a fetch failure. Invalid tokens flag the
// account; everything transient waits for the next tick.
func (s *Service) handlePollError(ctx context.Context, accountID string, err error) {
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == platform.ErrorInvalidToken {
		s.flagReauth(ctx, accountID, "token-rejected", err)
		return
	}

	level := monitor.LevelError
	if platform.IsTransient(err) {
		level = monitor.LevelWarn
	}
	s.bus.Record(level, monitor.CategoryIngestion, "poll-fetch-failed",
		map[string]any{
			"accountId": accountID,
			"reason":    errorReason(err),
			"error":     err.Error(),
			"transient": platform.IsTransient(err),
		})
}

func (s *Service) flagReauth(ctx context.Context, accountID, message string, cause error) {
	if err := s.store.FlagAccountReauth(ctx, accountID); err != nil {
		s.log.Error("failed to flag account for re-auth", "accountId", accountID, "error", err)
	}
	s.StopPolling(accountID)
	s.bus.Record(monitor.LevelError, monitor.CategoryIngestion, "account-needs-reauth",
		map[string]any{"accountId": accountID, "reason": message, "error": cause.Error()})
}

// errorReason reduces an error to its typed category for log details.
func errorReason(err error) string {
	if errors.Is(err, platform.ErrNetwork) {
		return "network"
	}
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		return string(apiErr.Kind)
	}
	return "generic"
}
