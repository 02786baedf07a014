// Package store archives finished sessions and conversations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/flipside/internal/domain"
)

// Repository defines the interface for persisting session and conversation data.
type Repository interface {
	// SaveSession creates or updates a session record.
	SaveSession(ctx context.Context, s domain.Session) error

	// GetSession retrieves a session by id. It returns nil, nil when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// SaveConversation creates or updates the conversation of a session.
	SaveConversation(ctx context.Context, state domain.ConversationState) error

	// GetConversation retrieves a conversation by session id. It returns
	// nil, nil when absent.
	GetConversation(ctx context.Context, sessionID string) (*domain.ConversationState, error)

	// CleanupExpired removes sessions and conversations not updated within
	// olderThan.
	CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
