package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

const apiPrefix = "/api/realtime"

// SendResult is the answer of a fallback send
type SendResult struct {
	ID        string               `json:"id"`
	Delivered bool                 `json:"delivered"`
	Method    types.DeliveryMethod `json:"method"`
}

type queueResult struct {
	Messages []types.Envelope `json:"messages"`
	Count    int              `json:"count"`
}

type errorBody struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FallbackClient calls the HTTP fallback API. Unlike the socket calls its
// errors are returned to the caller.
type FallbackClient struct {
	baseURL string
	http    *http.Client
	creds   CredentialStore
}

// NewFallbackClient uses a 10s timeout when httpClient is nil
func NewFallbackClient(baseURL string, creds CredentialStore, httpClient *http.Client) (*FallbackClient, error) {
	if creds == nil {
		return nil, ErrCredentialsRequired
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &FallbackClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		creds:   creds,
	}, nil
}

// Send routes a message, queueing it server side when the recipient is offline
func (f *FallbackClient) Send(ctx context.Context, recipientID, msgType string, payload json.RawMessage) (SendResult, error) {
	req := struct {
		RecipientID string          `json:"recipientId"`
		Type        string          `json:"type"`
		Payload     json.RawMessage `json:"payload,omitempty"`
	}{RecipientID: recipientID, Type: msgType, Payload: payload}

	var out SendResult
	err := f.do(ctx, http.MethodPost, "/messages", req, &out)
	return out, err
}

// Broadcast returns the number of connections that accepted the event
func (f *FallbackClient) Broadcast(ctx context.Context, room types.RoomID, event types.EventKind, payload json.RawMessage) (int, error) {
	req := struct {
		Event   types.EventKind `json:"event"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Event: event, Payload: payload}

	var out struct {
		Recipients int `json:"recipients"`
	}
	err := f.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(room.String())+"/broadcast", req, &out)
	return out.Recipients, err
}

func (f *FallbackClient) Presence(ctx context.Context, userID string) (types.PresenceRecord, error) {
	var out types.PresenceRecord
	err := f.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, &out)
	return out, err
}

// UpdatePresence changes the caller's own status or visibility
func (f *FallbackClient) UpdatePresence(ctx context.Context, data types.PresenceData) (types.PresenceRecord, error) {
	creds, ok := f.creds.Credentials()
	if !ok {
		return types.PresenceRecord{}, ErrNotAuthenticated
	}
	var out types.PresenceRecord
	err := f.do(ctx, http.MethodPost, "/presence/"+url.PathEscape(creds.UserID), data, &out)
	return out, err
}

// Queue peeks the caller's offline queue
func (f *FallbackClient) Queue(ctx context.Context) ([]types.Envelope, error) {
	var out queueResult
	err := f.do(ctx, http.MethodGet, "/queue", nil, &out)
	return out.Messages, err
}

// Drain removes and returns the caller's queued messages
func (f *FallbackClient) Drain(ctx context.Context) ([]types.Envelope, error) {
	var out queueResult
	err := f.do(ctx, http.MethodPost, "/queue/drain", nil, &out)
	return out.Messages, err
}

func (f *FallbackClient) ClearQueue(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := f.do(ctx, http.MethodDelete, "/queue", nil, &out)
	return out.Removed, err
}

func (f *FallbackClient) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := f.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Conversation returns archived messages with another user, oldest first
func (f *FallbackClient) Conversation(ctx context.Context, userID string, limit int) ([]types.Envelope, error) {
	path := "/conversations/" + url.PathEscape(userID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out queueResult
	err := f.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

func (f *FallbackClient) do(ctx context.Context, method, path string, body, out any) error {
	creds, ok := f.creds.Credentials()
	if !ok {
		return ErrNotAuthenticated
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var eb errorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&eb); err == nil {
			statusErr.Code = eb.Error
			statusErr.Message = eb.Message
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
