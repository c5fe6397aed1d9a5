package interfaces

import (
	"context"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// TokenVerifier is the token lookup collaborator
type TokenVerifier interface {
	// Verify returns the identity behind a bearer token
	Verify(token string) (*types.Identity, error)
}

// PushNotifier hands queued messages to device push delivery
type PushNotifier interface {
	// NotifyQueued is called after an envelope lands in an offline queue
	NotifyQueued(ctx context.Context, envelope *types.Envelope) error
}

// RelationshipProvider lists users with an active relationship (match or friendship)
type RelationshipProvider interface {
	// RelatedUsers returns the users whose rooms receive userID's presence changes
	RelatedUsers(ctx context.Context, userID string) ([]string, error)
}
