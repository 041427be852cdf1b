// Package store provides SQLite-backed persistence for users, chats,
// messages, and API keys.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ccluster/ccluster/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistent relay state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the users, chats, and messages tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);
	`)
	return err
}

// migrateV2 creates the api_keys table. Keys are stored as sha256 hashes;
// the plaintext is shown to the user once at creation.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT NOT NULL DEFAULT '',
			revoked_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	`)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateUser inserts a new user. Returns an error if the username is taken.
func (s *Store) CreateUser(user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.CreatedAt == "" {
		user.CreatedAt = now()
	}
	if user.UpdatedAt == "" {
		user.UpdatedAt = user.CreatedAt
	}

	_, err := s.db.Exec(
		"INSERT INTO users (id, username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByUsername retrieves a user by username. Returns ErrNotFound when
// no such user exists.
func (s *Store) GetUserByUsername(username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u domain.User
	err := s.db.QueryRow(
		"SELECT id, username, password_hash, created_at, updated_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u domain.User
	err := s.db.QueryRow(
		"SELECT id, username, password_hash, created_at, updated_at FROM users WHERE id = ?",
		id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateChat inserts a new chat.
func (s *Store) CreateChat(chat domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chat.CreatedAt == "" {
		chat.CreatedAt = now()
	}
	if chat.UpdatedAt == "" {
		chat.UpdatedAt = chat.CreatedAt
	}

	_, err := s.db.Exec(
		"INSERT INTO chats (id, user_id, title, session_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		chat.ID, chat.UserID, chat.Title, chat.SessionID, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by ID. Returns ErrNotFound when no such chat
// exists; ownership is the caller's concern.
func (s *Store) GetChat(id string) (*domain.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c domain.Chat
	err := s.db.QueryRow(
		"SELECT id, user_id, title, session_id, created_at, updated_at FROM chats WHERE id = ?",
		id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.SessionID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &c, nil
}

// ListChats returns all chats owned by a user, most recently updated first.
func (s *Store) ListChats(userID string) ([]domain.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, user_id, title, session_id, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		var c domain.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.SessionID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}

	if chats == nil {
		chats = []domain.Chat{}
	}
	return chats, nil
}

// UpdateChatTitle updates the title of a chat.
func (s *Store) UpdateChatTitle(chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE chats SET title = ?, updated_at = ? WHERE id = ?", title, now(), chatID)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	return nil
}

// SetChatSession records the engine session ID for a chat so later prompts
// resume the same conversation.
func (s *Store) SetChatSession(chatID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE chats SET session_id = ?, updated_at = ? WHERE id = ?", sessionID, now(), chatID)
	if err != nil {
		return fmt.Errorf("set chat session: %w", err)
	}
	return nil
}

// DeleteChat removes a chat and all of its messages.
func (s *Store) DeleteChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM chats WHERE id = ?", chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

// AddMessage appends a message to a chat and bumps the chat's updated_at.
func (s *Store) AddMessage(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt == "" {
		msg.CreatedAt = now()
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encode message content: %w", err)
	}
	metadata := ""
	if msg.Metadata != nil {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err = s.db.Exec(
		"INSERT INTO messages (id, chat_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, msg.Role, string(content), metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.Exec("UPDATE chats SET updated_at = ? WHERE id = ?", msg.CreatedAt, msg.ChatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// GetMessages lists a chat's messages in insertion order. A limit <= 0
// returns everything; offset skips from the start.
func (s *Store) GetMessages(chatID string, limit, offset int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 means no limit
	}
	rows, err := s.db.Query(
		"SELECT id, chat_id, role, content, metadata, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?",
		chatID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// GetMessage retrieves a single message by ID.
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT id, chat_id, role, content, metadata, created_at FROM messages WHERE id = ?",
		id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		msg      domain.Message
		content  string
		metadata string
	)
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.Role, &content, &metadata, &msg.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	if metadata != "" {
		msg.Metadata = &domain.MessageMetadata{}
		if err := json.Unmarshal([]byte(metadata), msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return &msg, nil
}

// CreateAPIKey inserts a new API key record. keyHash is the sha256 hex digest
// of the plaintext key.
func (s *Store) CreateAPIKey(key domain.APIKey, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.CreatedAt == "" {
		key.CreatedAt = now()
	}

	_, err := s.db.Exec(
		"INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		key.ID, key.UserID, key.Name, keyHash, key.KeyPrefix, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up a non-revoked API key by its sha256 hex digest.
func (s *Store) GetAPIKeyByHash(keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var k domain.APIKey
	err := s.db.QueryRow(
		"SELECT id, user_id, name, key_prefix, created_at, last_used_at, revoked_at FROM api_keys WHERE key_hash = ? AND revoked_at = ''",
		keyHash,
	).Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

// ListAPIKeys returns all keys owned by a user, newest first, including
// revoked ones.
func (s *Store) ListAPIKeys(userID string) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, user_id, name, key_prefix, created_at, last_used_at, revoked_at FROM api_keys WHERE user_id = ? ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}

	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

// RevokeAPIKey marks a key as revoked. The user scope prevents revoking
// another user's key. Returns ErrNotFound when no live key matched.
func (s *Store) RevokeAPIKey(keyID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE api_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at = ''",
		now(), keyID, userID,
	)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey records the time a key was last used for authentication.
func (s *Store) TouchAPIKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE api_keys SET last_used_at = ? WHERE id = ?", now(), keyID)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
