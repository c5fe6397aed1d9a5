package interfaces

import (
	"context"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// MessageArchive answers "is this message persisted"
// FUNCTIONAL DISCOVERY: Message storage must complete before routing
// so an accepted message is never only held in memory
type MessageArchive interface {
	// StoreMessage persists an envelope. Storing the same id twice is a no-op.
	StoreMessage(ctx context.Context, envelope *types.Envelope) error
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
