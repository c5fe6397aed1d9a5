package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// fallbackServer serves canned answers and records the last request
type fallbackServer struct {
	*httptest.Server
	mu   sync.Mutex
	last recordedRequest
}

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func (fs *fallbackServer) request() recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.last
}

func newFallbackServer(t *testing.T) *fallbackServer {
	t.Helper()
	fs := &fallbackServer{}
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		req := recordedRequest{
			method: r.Method,
			path:   r.URL.RequestURI(),
			auth:   r.Header.Get("Authorization"),
		}
		_ = json.NewDecoder(r.Body).Decode(&req.body)
		fs.mu.Lock()
		fs.last = req
		fs.mu.Unlock()
	}
	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/api/realtime/messages", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]any{"id": "m1", "delivered": false, "method": "queued"})
	})
	mux.HandleFunc("/api/realtime/rooms/community_hikers/broadcast", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]int{"recipients": 2})
	})
	mux.HandleFunc("/api/realtime/presence/", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, types.PresenceRecord{UserID: "bob", Status: types.StatusAway, Devices: []string{}})
	})
	mux.HandleFunc("/api/realtime/queue", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.Method == http.MethodDelete {
			writeJSON(w, http.StatusOK, map[string]int{"removed": 3})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"messages": []types.Envelope{{ID: "q1", SenderID: "bob", RecipientID: "alice", Type: "text"}},
			"count":    1,
		})
	})
	mux.HandleFunc("/api/realtime/queue/drain", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]any{"messages": []types.Envelope{}, "count": 0})
	})
	mux.HandleFunc("/api/realtime/status", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "code": 401, "message": "token expired"})
	})
	mux.HandleFunc("/api/realtime/conversations/bob", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "not_implemented", "code": 501, "message": "message history is not configured"})
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func newTestFallback(t *testing.T, fs *fallbackServer) *FallbackClient {
	t.Helper()
	fc, err := NewFallbackClient(fs.URL+"/", NewMemoryCredentials("alice", "alice-token"), fs.Client())
	if err != nil {
		t.Fatal(err)
	}
	return fc
}

func TestFallbackClient_Send(t *testing.T) {
	fs := newFallbackServer(t)
	fc := newTestFallback(t, fs)

	res, err := fc.Send(context.Background(), "bob", types.MessageTypeText, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Delivered || res.Method != types.DeliveryQueued || res.ID != "m1" {
		t.Errorf("Send() = %+v", res)
	}
	if fs.request().method != http.MethodPost || fs.request().auth != "Bearer alice-token" {
		t.Errorf("request = %s auth %q", fs.request().method, fs.request().auth)
	}
	if fs.request().body["recipientId"] != "bob" || fs.request().body["type"] != "text" {
		t.Errorf("body = %v", fs.request().body)
	}
}

func TestFallbackClient_RoutesAndDecoding(t *testing.T) {
	fs := newFallbackServer(t)
	fc := newTestFallback(t, fs)
	ctx := context.Background()

	n, err := fc.Broadcast(ctx, types.CommunityRoom("hikers"), types.EventMessage, json.RawMessage(`{"x":1}`))
	if err != nil || n != 2 {
		t.Errorf("Broadcast() = %d, %v", n, err)
	}

	rec, err := fc.Presence(ctx, "bob")
	if err != nil || rec.Status != types.StatusAway {
		t.Errorf("Presence() = %+v, %v", rec, err)
	}
	if fs.request().path != "/api/realtime/presence/bob" {
		t.Errorf("presence path = %s", fs.request().path)
	}

	if _, err := fc.UpdatePresence(ctx, types.PresenceData{Status: types.StatusAway}); err != nil {
		t.Fatal(err)
	}
	if fs.request().method != http.MethodPost || fs.request().path != "/api/realtime/presence/alice" {
		t.Errorf("update presence = %s %s", fs.request().method, fs.request().path)
	}

	queued, err := fc.Queue(ctx)
	if err != nil || len(queued) != 1 || queued[0].ID != "q1" {
		t.Errorf("Queue() = %+v, %v", queued, err)
	}
	drained, err := fc.Drain(ctx)
	if err != nil || len(drained) != 0 || fs.request().method != http.MethodPost {
		t.Errorf("Drain() = %+v, %v", drained, err)
	}
	removed, err := fc.ClearQueue(ctx)
	if err != nil || removed != 3 || fs.request().method != http.MethodDelete {
		t.Errorf("ClearQueue() = %d, %v", removed, err)
	}
}

func TestFallbackClient_Errors(t *testing.T) {
	fs := newFallbackServer(t)
	fc := newTestFallback(t, fs)
	ctx := context.Background()

	_, err := fc.Status(ctx)
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("401 error = %v, want ErrAuthRejected", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Message != "token expired" {
		t.Errorf("StatusError = %+v", statusErr)
	}

	_, err = fc.Conversation(ctx, "bob", 10)
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotImplemented {
		t.Errorf("501 error = %v", err)
	}
	if errors.Is(err, ErrAuthRejected) {
		t.Error("501 must not match ErrAuthRejected")
	}
	if fs.request().path != "/api/realtime/conversations/bob?limit=10" {
		t.Errorf("conversation path = %s", fs.request().path)
	}

	creds := NewMemoryCredentials("", "")
	anon, _ := NewFallbackClient(fs.URL, creds, nil)
	if _, err := anon.Queue(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("anonymous error = %v", err)
	}

	if _, err := NewFallbackClient("localhost:8080", creds, nil); err == nil {
		t.Error("URL without scheme should be rejected")
	}
}
