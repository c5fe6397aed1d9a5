package client

import "sync"

// Credentials identify the user the client connects as
type Credentials struct {
	UserID string
	Token  string
}

// CredentialStore holds the access token. Clear is called when the server
// rejects it.
type CredentialStore interface {
	Credentials() (Credentials, bool)
	Clear()
}

// MemoryCredentials is an in-process CredentialStore
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds Credentials
}

func NewMemoryCredentials(userID, token string) *MemoryCredentials {
	return &MemoryCredentials{creds: Credentials{UserID: userID, Token: token}}
}

func (m *MemoryCredentials) Credentials() (Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds, m.creds.Token != "" && m.creds.UserID != ""
}

func (m *MemoryCredentials) Set(userID, token string) {
	m.mu.Lock()
	m.creds = Credentials{UserID: userID, Token: token}
	m.mu.Unlock()
}

func (m *MemoryCredentials) Clear() {
	m.mu.Lock()
	m.creds = Credentials{}
	m.mu.Unlock()
}
