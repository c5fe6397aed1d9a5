package types

import "time"

// PresenceStatus is a user's availability
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// IsValid reports whether s is one of the three known statuses
func (s PresenceStatus) IsValid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	default:
		return false
	}
}

// PresenceRecord is the authoritative presence of one user.
// Records are never deleted: the last device leaving flips Status to offline
// and keeps LastSeen.
type PresenceRecord struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
	Devices  []string       `json:"devices"`
	Visible  bool           `json:"visible"`
}

// IsOnline reports whether at least one device is connected
func (p PresenceRecord) IsOnline() bool {
	return len(p.Devices) > 0
}

// Public returns the view other users are allowed to see.
// Hidden users look offline and device ids are never exposed.
func (p PresenceRecord) Public() PresenceRecord {
	public := PresenceRecord{
		UserID:   p.UserID,
		Status:   p.Status,
		LastSeen: p.LastSeen,
		Devices:  []string{},
		Visible:  p.Visible,
	}
	if !p.Visible {
		public.Status = StatusOffline
	}
	return public
}

// PresenceData is the presence payload carried by presence_update.
// Inbound updates set Status and/or Visible; outbound updates carry Status and LastSeen.
type PresenceData struct {
	Status   PresenceStatus `json:"status,omitempty"`
	Visible  *bool          `json:"visible,omitempty"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// Validate rejects empty updates and statuses a client may not set directly
func (d PresenceData) Validate() error {
	if d.Status == "" && d.Visible == nil {
		return ErrEmptyPresenceUpdate
	}
	if d.Status != "" && d.Status != StatusOnline && d.Status != StatusAway {
		return ErrInvalidStatus
	}
	return nil
}
