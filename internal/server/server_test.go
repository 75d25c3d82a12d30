// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeranaias/omnisage/internal/chat"
	"github.com/jeranaias/omnisage/internal/config"
	"github.com/jeranaias/omnisage/internal/llama"
	"github.com/jeranaias/omnisage/internal/model"
	"github.com/jeranaias/omnisage/internal/pool"
	"github.com/jeranaias/omnisage/internal/registry"
	"github.com/jeranaias/omnisage/internal/storage"
)

// ============================================================================
// TEST FIXTURES
// ============================================================================

// fakeEngine satisfies pool.Engine and EngineStatus with canned output.
type fakeEngine struct {
	streamNDJ  string
	genErr     error
	runningErr error

	// lastReq records the most recent generation request.
	lastReq llama.GenerateRequest
}

func (f *fakeEngine) Load(ctx context.Context, model string) error { return nil }

func (f *fakeEngine) CheckRunning(ctx context.Context) error { return f.runningErr }

func (f *fakeEngine) Generate(ctx context.Context, req llama.GenerateRequest) (*llama.GenerateResponse, error) {
	f.lastReq = req
	if f.genErr != nil {
		return nil, f.genErr
	}
	return &llama.GenerateResponse{Model: req.Model, Text: "canned answer"}, nil
}

func (f *fakeEngine) GenerateStream(ctx context.Context, req llama.GenerateRequest) (*llama.Stream, error) {
	f.lastReq = req
	if f.genErr != nil {
		return nil, f.genErr
	}
	return llama.NewStreamFromReader(io.NopCloser(strings.NewReader(f.streamNDJ))), nil
}

// staticClassifier always picks the same group.
type staticClassifier string

func (c staticClassifier) Classify(string) string { return string(c) }

const streamNDJ = `{"response":"Hello ","done":false}
{"response":"world","done":false}
{"response":"","done":true,"done_reason":"stop"}
`

func testServer(t *testing.T, engine *fakeEngine) (*Server, *storage.Store) {
	t.Helper()

	reg, err := registry.New([]registry.GroupConfig{
		{Name: "general", Model: "llama3.1:8b", MaxContextLength: 8192, MaxOutputLength: 1024},
		{Name: "programming", Model: "qwen2.5-coder:7b", MaxContextLength: 16384, MaxOutputLength: 2048},
	}, "general")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deps := chat.Deps{
		Registry:   reg,
		Pool:       pool.New(engine, reg),
		Classifier: staticClassifier("general"),
		Store:      store,
	}

	cfg := config.Default().Server
	return New(cfg, deps, store), store
}

// doJSON performs a request with a JSON body against the raw mux.
func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

// sseEvents parses "data: ..." payloads out of an SSE body.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, rest)
		}
	}
	return events
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Message
}

// ============================================================================
// HEALTH AND CHAT CRUD
// ============================================================================

func TestHandleHealth(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{streamNDJ: streamNDJ})

	w := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if resp["default_group"] != "general" {
		t.Errorf("expected default_group general, got %v", resp["default_group"])
	}
}

func TestHandleHealthEngineStatus(t *testing.T) {
	tests := []struct {
		name       string
		runningErr error
		want       string
	}{
		{"reachable", nil, "ok"},
		{"unreachable", llama.ErrNotRunning, "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{streamNDJ: streamNDJ, runningErr: tt.runningErr}
			s, _ := testServer(t, engine)
			s.WithEngine(engine)

			w := doJSON(t, s, "GET", "/health", "")
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			var resp map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["engine"] != tt.want {
				t.Errorf("expected engine %q, got %v", tt.want, resp["engine"])
			}
		})
	}
}

func TestChatCRUD(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{streamNDJ: streamNDJ})

	w := doJSON(t, s, "POST", "/chats", `{"title":"Sorting help"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created["id"]
	if id == "" {
		t.Fatal("expected a chat id")
	}

	w = doJSON(t, s, "GET", "/chats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var listed struct {
		Chats []storage.ChatMeta `json:"chats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Chats) != 1 || listed.Chats[0].Title != "Sorting help" {
		t.Fatalf("unexpected chat list: %+v", listed.Chats)
	}

	w = doJSON(t, s, "GET", "/chats/"+id+"/messages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("messages: expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, "DELETE", "/chats/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}

	w = doJSON(t, s, "DELETE", "/chats/"+id, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("double delete: expected 404, got %d", w.Code)
	}
}

func TestChatMessagesUnknownChat(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{streamNDJ: streamNDJ})

	w := doJSON(t, s, "GET", "/chats/nope/messages", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// ============================================================================
// STREAM REQUEST VALIDATION
// ============================================================================

func TestChatStreamValidation(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{streamNDJ: streamNDJ})

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "invalid json",
			body:     `{not json`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid request format",
		},
		{
			name:     "empty messages",
			body:     `{"messages":[]}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "at least one message",
		},
		{
			name:     "bad role",
			body:     `{"messages":[{"role":"system","content":"hi"}]}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid role 'system'",
		},
		{
			name:     "last message not user",
			body:     `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "last message must be from the user",
		},
		{
			name:     "max_tokens too large",
			body:     `{"messages":[{"role":"user","content":"hi"}],"max_tokens":999999}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "max_tokens",
		},
		{
			name:     "temperature out of range",
			body:     `{"messages":[{"role":"user","content":"hi"}],"temperature":3.5}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "temperature",
		},
		{
			name:     "unknown chat id",
			body:     `{"messages":[{"role":"user","content":"hi"}],"chat_id":"ghost"}`,
			wantCode: http.StatusNotFound,
			wantMsg:  "Chat not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, "POST", "/chat/stream", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if msg := errorMessage(t, w); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("expected message containing %q, got %q", tt.wantMsg, msg)
			}
		})
	}
}

func TestChatStreamTooManyMessages(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{streamNDJ: streamNDJ})

	var sb strings.Builder
	sb.WriteString(`{"messages":[`)
	for i := 0; i < s.cfg.MaxMessages; i++ {
		fmt.Fprintf(&sb, `{"role":"user","content":"a"},{"role":"assistant","content":"b"},`)
	}
	sb.WriteString(`{"role":"user","content":"final"}]}`)

	w := doJSON(t, s, "POST", "/chat/stream", sb.String())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, "Too many messages") {
		t.Errorf("unexpected message: %q", msg)
	}
}

// ============================================================================
// STREAMING
// ============================================================================

func TestChatStreamEphemeral(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{streamNDJ: streamNDJ})

	w := doJSON(t, s, "POST", "/chat/stream",
		`{"messages":[{"role":"user","content":"How do I sort a slice?"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	events := sseEvents(t, w.Body.String())
	if len(events) == 0 {
		t.Fatal("expected SSE events")
	}
	if events[len(events)-1] != "[DONE]" {
		t.Errorf("expected final [DONE], got %q", events[len(events)-1])
	}

	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", ev, err)
		}
		if chunk.Error != "" {
			t.Fatalf("unexpected error chunk: %q", chunk.Error)
		}
		text.WriteString(chunk.Content)
	}
	if text.String() != "Hello world" {
		t.Errorf("expected accumulated text %q, got %q", "Hello world", text.String())
	}
}

func TestChatStreamPersistsBothTurns(t *testing.T) {
	s, store := testServer(t, &fakeEngine{streamNDJ: streamNDJ})

	id, err := store.CreateChat(context.Background(), "persist test")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	body := fmt.Sprintf(`{"messages":[{"role":"user","content":"hello"}],"chat_id":%q}`, id)
	w := doJSON(t, s, "POST", "/chat/stream", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	turns, err := store.Turns(context.Background(), id)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(turns))
	}
	if turns[0].Role != model.RoleUser || turns[0].Content != "hello" {
		t.Errorf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != model.RoleAssistant || turns[1].Content != "Hello world" {
		t.Errorf("unexpected assistant turn: %+v", turns[1])
	}
	if turns[1].ModelGroup != "general" {
		t.Errorf("expected model_group general, got %q", turns[1].ModelGroup)
	}
}

func TestChatStreamEngineDown(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{genErr: llama.ErrNotRunning})

	w := doJSON(t, s, "POST", "/chat/stream",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, "not running") {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestChatStreamModelNotFound(t *testing.T) {
	s, _ := testServer(t, &fakeEngine{genErr: llama.ErrModelNotFound})

	w := doJSON(t, s, "POST", "/chat/stream",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, "not found") {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestChatStreamGreedyTemperature(t *testing.T) {
	engine := &fakeEngine{streamNDJ: streamNDJ}
	s, _ := testServer(t, engine)

	// An explicit zero selects greedy sampling and must reach the engine
	// as zero, not the default.
	w := doJSON(t, s, "POST", "/chat/stream",
		`{"messages":[{"role":"user","content":"hi"}],"temperature":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if engine.lastReq.Temperature != 0 {
		t.Errorf("expected temperature 0, got %v", engine.lastReq.Temperature)
	}

	// An omitted field still falls back to the default.
	engine.lastReq = llama.GenerateRequest{}
	w = doJSON(t, s, "POST", "/chat/stream",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if engine.lastReq.Temperature != chat.DefaultTemperature {
		t.Errorf("expected default temperature %v, got %v",
			chat.DefaultTemperature, engine.lastReq.Temperature)
	}
}

func TestChatStreamMidStreamError(t *testing.T) {
	// Stream cuts out before the done marker.
	s, _ := testServer(t, &fakeEngine{streamNDJ: `{"response":"partial","done":false}` + "\n"})

	w := doJSON(t, s, "POST", "/chat/stream",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 (headers already sent), got %d", w.Code)
	}

	events := sseEvents(t, w.Body.String())
	if len(events) == 0 {
		t.Fatal("expected SSE events")
	}
	last := events[len(events)-1]
	if last == "[DONE]" {
		t.Fatal("expected no [DONE] after a truncated stream")
	}
	var chunk StreamChunk
	if err := json.Unmarshal([]byte(last), &chunk); err != nil {
		t.Fatalf("decode final chunk: %v", err)
	}
	if chunk.Error == "" {
		t.Error("expected an error chunk")
	}
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func TestMiddlewareRateLimit(t *testing.T) {
	limiter := NewIPRateLimiter(1, 2)

	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var got []int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		got = append(got, w.Code)
	}

	// Burst of 2 passes, further requests inside the same second are rejected.
	if got[0] != http.StatusOK || got[1] != http.StatusOK {
		t.Fatalf("expected first two requests allowed, got %v", got)
	}
	if got[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %v", got)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected other client allowed, got %d", w.Code)
	}
}

func TestMiddlewareRecovery(t *testing.T) {
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", w.Code)
	}
}

func TestMiddlewareCORSPreflight(t *testing.T) {
	handler := CORSMiddleware(DefaultCORSConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/chat/stream", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if o := w.Header().Get("Access-Control-Allow-Origin"); o != "http://localhost:3000" {
		t.Errorf("expected origin echoed, got %q", o)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "203.0.113.7:5000", "", "203.0.113.7"},
		{"spoofed header from remote client", "203.0.113.7:5000", "10.0.0.1", "203.0.113.7"},
		{"forwarded via local proxy", "127.0.0.1:5000", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
