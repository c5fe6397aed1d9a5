package delivery

import (
	"context"

	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/presence"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// PublishPresence fans a presence change out. The user's own devices see the
// true status; related users see the public view, and only when it changed.
func (r *Router) PublishPresence(ctx context.Context, change presence.Change) {
	cur := change.Current
	own := types.PresenceUpdate{
		UserID:       change.UserID,
		PresenceData: types.PresenceData{Status: cur.Status, LastSeen: &cur.LastSeen},
	}
	if _, err := r.Broadcast(ctx, types.UserRoom(change.UserID), types.EventPresenceUpdate, own); err != nil {
		r.logger.Warn("presence broadcast to own room failed", zap.String("user_id", change.UserID), zap.Error(err))
	}

	prevPub, curPub := change.Previous.Public(), cur.Public()
	if prevPub.Status == curPub.Status || r.relations == nil {
		return
	}

	related, err := r.relations.RelatedUsers(ctx, change.UserID)
	if err != nil {
		r.logger.Warn("failed to load related users", zap.String("user_id", change.UserID), zap.Error(err))
		return
	}

	public := types.PresenceUpdate{
		UserID:       change.UserID,
		PresenceData: types.PresenceData{Status: curPub.Status, LastSeen: &curPub.LastSeen},
	}
	notice := types.UserNotice{UserID: change.UserID}

	var transition types.EventKind
	switch {
	case prevPub.Status == types.StatusOffline:
		transition = types.EventUserOnline
	case curPub.Status == types.StatusOffline:
		transition = types.EventUserOffline
	}

	for _, userID := range related {
		if userID == change.UserID || !types.IsValidUserID(userID) {
			continue
		}
		room := types.UserRoom(userID)
		r.Broadcast(ctx, room, types.EventPresenceUpdate, public)
		if transition != "" {
			r.Broadcast(ctx, room, transition, notice)
		}
	}
}
