// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// ErrNotFound is returned when a conversation does not exist or belongs to
// another user.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users and conversations.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when the
	// user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// EnsureConversation creates the conversation if it does not exist and
	// touches its updated_at otherwise. A conversation owned by someone else
	// yields ErrNotFound.
	EnsureConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation scoped to its owner.
	GetConversation(ctx context.Context, tenantID, userID, id string) (*domain.Conversation, error)

	// ListConversations returns the owner's conversations, most recent first.
	ListConversations(ctx context.Context, tenantID, userID string, limit int) ([]*domain.Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, tenantID, userID, id string) error

	// AppendMessage stores a message. Messages are keyed by ID so a
	// redelivered message is ignored; the return value reports whether a row
	// was inserted.
	AppendMessage(ctx context.Context, msg *domain.StoredMessage) (bool, error)

	// ListMessages returns the messages of a conversation in insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.StoredMessage, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
