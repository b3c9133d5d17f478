package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
	"github.com/ashureev/shsh-chat/internal/shared"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to keep SQLITE_BUSY rare
	retry   retry.Options
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db: db,
		retry: retry.Options{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     400 * time.Millisecond,
			ShouldRetry:  shared.IsSQLiteConflictError,
		},
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(tenant_id, user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// write runs fn under the write lock, retrying SQLITE_BUSY and
// "database is locked" failures with backoff.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(ctx context.Context) (sql.Result, error)) (sql.Result, error) {
	opts := s.retry
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		slog.Debug("sqlite write conflict, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}
	return retry.Do(ctx, func(ctx context.Context) (sql.Result, error) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn(ctx)
	}, opts)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, tenant_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.TenantID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, tenant_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.write(ctx, "upsert_user", func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, query,
			user.UserID, user.TenantID, user.Username,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.write(ctx, "update_last_seen", func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	})
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// EnsureConversation creates the conversation or touches its updated_at.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, conv *domain.Conversation) error {
	existing, err := s.GetConversation(ctx, conv.TenantID, conv.UserID, conv.ID)
	switch {
	case err == nil:
		if conv.AgentID == "" {
			conv.AgentID = existing.AgentID
		}
		_, err = s.write(ctx, "touch_conversation", func(ctx context.Context) (sql.Result, error) {
			return s.db.ExecContext(ctx,
				`UPDATE conversations SET agent_id = ?, updated_at = ? WHERE id = ?`,
				conv.AgentID, conv.UpdatedAt.UnixMilli(), existing.ID)
		})
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		conv.Title = existing.Title
		conv.CreatedAt = existing.CreatedAt
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}

	// INSERT OR IGNORE keeps a conversation id that is owned by another user
	// untouched; the follow-up read then reports it as not found.
	_, err = s.write(ctx, "insert_conversation", func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversations (id, tenant_id, user_id, agent_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.TenantID, conv.UserID, conv.AgentID, conv.Title,
			conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli())
	})
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if _, err := s.GetConversation(ctx, conv.TenantID, conv.UserID, conv.ID); err != nil {
		return err
	}
	return nil
}

// GetConversation retrieves a conversation scoped to its owner.
func (s *SQLiteStore) GetConversation(ctx context.Context, tenantID, userID, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, tenant_id, user_id, agent_id, title, created_at, updated_at
		FROM conversations WHERE id = ? AND tenant_id = ? AND user_id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id, tenantID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// ListConversations returns the owner's conversations, most recent first.
func (s *SQLiteStore) ListConversations(ctx context.Context, tenantID, userID string, limit int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT id, tenant_id, user_id, agent_id, title, created_at, updated_at
		FROM conversations WHERE tenant_id = ? AND user_id = ?
		ORDER BY updated_at DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var out []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, tenantID, userID, id string) error {
	result, err := s.write(ctx, "delete_conversation", func(ctx context.Context) (sql.Result, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = ? AND tenant_id = ? AND user_id = ?`,
			id, tenantID, userID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
				return nil, err
			}
		}
		return res, tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores a message unless one with the same ID exists.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.StoredMessage) (bool, error) {
	result, err := s.write(ctx, "append_message", func(ctx context.Context) (sql.Result, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, conversation_id, role, content, agent_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.AgentID, msg.CreatedAt.UnixMilli())
		if err != nil {
			return nil, err
		}
		if msg.Role == protocol.RoleUser {
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET title = ? WHERE id = ? AND title = ''`,
				domain.TitleFrom(msg.Content), msg.ConversationID); err != nil {
				return nil, err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
			msg.CreatedAt.UnixMilli(), msg.ConversationID); err != nil {
			return nil, err
		}
		return res, tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListMessages returns the messages of a conversation in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*domain.StoredMessage, error) {
	query := `
		SELECT id, conversation_id, role, content, agent_id, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []*domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.AgentID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var createdAt, updatedAt int64
	if err := row.Scan(&conv.ID, &conv.TenantID, &conv.UserID, &conv.AgentID, &conv.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}
