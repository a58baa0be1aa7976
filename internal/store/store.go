// Package store is the persistent collaborator for accepted inbound messages
// and tracked platform accounts. Message inserts are idempotent upserts keyed
// by the platform-assigned external id.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/nlisenk/hubwatch/internal/secrets"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var driver = "sqlite"

// Authenticity is the trust classification attached to an accepted message.
type Authenticity string

const (
	AuthenticityVerified   Authenticity = "verified"
	AuthenticityUnverified Authenticity = "unverified"
	AuthenticitySuspicious Authenticity = "suspicious"
)

// Message is one accepted inbound message. Immutable once stored; a re-seen
// external id is dropped, never merged.
type Message struct {
	ExternalID     string
	SenderID       string
	SenderName     string
	RecipientID    string
	Content        string
	OccurredAt     time.Time
	ConversationID string
	Authenticity   Authenticity
	Automated      bool
	Source         string
}

// Account is a tracked platform account whose access token is encrypted at
// rest and only decrypted for the duration of a single operation.
type Account struct {
	ID             string
	Name           string
	EncryptedToken string
	Active         bool
	NeedsReauth    bool
	CreatedAt      time.Time
}

// Store wraps the shared SQLite connection.
type Store struct {
	db      *sql.DB
	tracker *queryLatencyTracker
}

// New opens the SQLite database at the provided path and applies migrations.
func New(path string) (*Store, error) {
	if path == "" {
		path = "data/hubwatch"
	}
	db, err := sql.Open(driver, sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect(driver); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, tracker: newQueryLatencyTracker()}, nil
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Set("_fk", "1")

	values.Add("_pragma", "foreign_keys(ON)")
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "temp_store(MEMORY)")

	return fmt.Sprintf("file:%s.sqlite?%s", path, values.Encode())
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessage appends a message unless its external id was already seen.
// The second sighting is a no-op, reported via the inserted flag.
func (s *Store) InsertMessage(ctx context.Context, m Message) (bool, error) {
	defer s.track("insert_message", time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			external_id, sender_id, sender_name, recipient_id, content,
			occurred_at, conversation_id, authenticity, automated, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING`,
		m.ExternalID, m.SenderID, m.SenderName, m.RecipientID, m.Content,
		m.OccurredAt.UTC().Format(time.RFC3339), m.ConversationID,
		string(m.Authenticity), boolToInt(m.Automated), m.Source,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return affected > 0, nil
}

// HasMessage reports whether an external id is already stored.
func (s *Store) HasMessage(ctx context.Context, externalID string) (bool, error) {
	defer s.track("has_message", time.Now())
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE external_id = ?`, externalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup message: %w", err)
	}
	return count > 0, nil
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// GetMessage fetches one stored message by external id.
func (s *Store) GetMessage(ctx context.Context, externalID string) (Message, error) {
	var (
		m          Message
		occurredAt string
		automated  int
	)
	defer s.track("get_message", time.Now())
	err := s.db.QueryRowContext(ctx, `
		SELECT external_id, sender_id, sender_name, recipient_id, content,
		       occurred_at, conversation_id, authenticity, automated, source
		FROM messages WHERE external_id = ?`, externalID,
	).Scan(&m.ExternalID, &m.SenderID, &m.SenderName, &m.RecipientID, &m.Content,
		&occurredAt, &m.ConversationID, (*string)(&m.Authenticity), &automated, &m.Source)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	m.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
	m.Automated = automated != 0
	return m, nil
}

// UpsertAccount inserts or refreshes a tracked account. Registering again
// clears any pending re-authorization flag.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	defer s.track("upsert_account", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, encrypted_token, active, needs_reauth, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			encrypted_token = excluded.encrypted_token,
			active = excluded.active,
			needs_reauth = 0`,
		a.ID, a.Name, a.EncryptedToken, boolToInt(a.Active),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, name, encrypted_token, active, needs_reauth, created_at
		FROM accounts WHERE id = ?`, id))
}

// ListActiveAccounts returns accounts that should be polled: active and not
// waiting on re-authorization.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	defer s.track("list_active_accounts", time.Now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, encrypted_token, active, needs_reauth, created_at
		FROM accounts WHERE active = 1 AND needs_reauth = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// DeactivateAccount stops an account from being polled.
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	return nil
}

// FlagAccountReauth marks an account's credential as unusable until it is
// re-authorized. Set on invalid-token and decryption failures.
func (s *Store) FlagAccountReauth(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET needs_reauth = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("flag account reauth: %w", err)
	}
	return nil
}

// ReencryptTokens re-encrypts every stored access token under a new cipher.
// This is the explicit, out-of-band key rotation path; it is never run
// automatically.
func (s *Store) ReencryptTokens(ctx context.Context, oldCipher, newCipher *secrets.Cipher) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, encrypted_token FROM accounts`)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	type rotation struct{ id, blob string }
	var pending []rotation
	for rows.Next() {
		var r rotation
		if err := rows.Scan(&r.id, &r.blob); err != nil {
			rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	for _, r := range pending {
		plaintext, err := oldCipher.Decrypt(r.blob)
		if err != nil {
			return fmt.Errorf("rekey account %s: %w", r.id, err)
		}
		rotated, err := newCipher.Encrypt(plaintext)
		if err != nil {
			return fmt.Errorf("rekey account %s: %w", r.id, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET encrypted_token = ? WHERE id = ?`, rotated, r.id); err != nil {
			return fmt.Errorf("rekey account %s: %w", r.id, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row rowScanner) (Account, error) {
	var (
		a           Account
		active      int
		needsReauth int
		createdAt   string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.EncryptedToken, &active, &needsReauth, &createdAt); err != nil {
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.Active = active != 0
	a.NeedsReauth = needsReauth != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
