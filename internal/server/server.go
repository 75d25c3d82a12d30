// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat service over HTTP.
//
// Endpoints:
//   - POST   /chat/stream         - streamed generation over SSE
//   - POST   /chats               - create a chat
//   - GET    /chats               - list chats
//   - GET    /chats/{id}/messages - chat transcript
//   - DELETE /chats/{id}          - delete a chat
//   - GET    /health              - health check
//
// The server is thin glue: validation and persistence of the user turn happen
// here, everything else is delegated to a chat.Session built per request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/omnisage/internal/chat"
	"github.com/jeranaias/omnisage/internal/config"
	"github.com/jeranaias/omnisage/internal/llama"
	"github.com/jeranaias/omnisage/internal/model"
	"github.com/jeranaias/omnisage/internal/pool"
	"github.com/jeranaias/omnisage/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxQueryLength is the maximum length for a single message.
	MaxQueryLength = 100000

	// MinTemperature is the minimum value for the temperature parameter.
	MinTemperature = 0.0

	// MaxTemperature is the maximum value for the temperature parameter.
	MaxTemperature = 2.0

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// Version is the API version reported by /health.
	Version = "1.0.0"
)

// validRoles is the set of acceptable message roles. Requests may only
// replay a user/assistant transcript; system prompts come from the group
// configuration on the server side.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// ChatMessage is one message in a request transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatStreamRequest is the body of POST /chat/stream.
//
// The last message must be from the user; it is the query. When ChatID is
// set the stored transcript is authoritative and earlier request messages
// are ignored; otherwise they seed an ephemeral session.
type ChatStreamRequest struct {
	Messages  []ChatMessage `json:"messages"`
	ChatID    string        `json:"chat_id,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`

	// Temperature is a pointer so an explicit 0 (greedy sampling) is
	// distinguishable from an omitted field.
	Temperature *float64 `json:"temperature,omitempty"`
}

// CreateChatRequest is the body of POST /chats.
type CreateChatRequest struct {
	Title string `json:"title"`
}

// StreamChunk is one SSE data payload on /chat/stream.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ============================================================================
// SERVER
// ============================================================================

// EngineStatus reports reachability of the inference runtime.
// Satisfied by *llama.Client.
type EngineStatus interface {
	CheckRunning(ctx context.Context) error
}

// Server is the HTTP API over a shared set of chat collaborators.
type Server struct {
	cfg    config.ServerConfig
	deps   chat.Deps
	store  *storage.Store
	engine EngineStatus

	mux *http.ServeMux
	srv *http.Server
}

// New creates a Server. The store may be nil, in which case the chat
// persistence endpoints return 503 and sessions are ephemeral.
func New(cfg config.ServerConfig, deps chat.Deps, store *storage.Store) *Server {
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		store: store,
		mux:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// WithEngine sets the runtime whose reachability /health reports.
func (s *Server) WithEngine(engine EngineStatus) *Server {
	s.engine = engine
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	s.mux.HandleFunc("POST /chats", s.handleCreateChat)
	s.mux.HandleFunc("GET /chats", s.handleListChats)
	s.mux.HandleFunc("GET /chats/{id}/messages", s.handleChatMessages)
	s.mux.HandleFunc("DELETE /chats/{id}", s.handleDeleteChat)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the full handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	chain := Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(DefaultCORSConfig()),
		RateLimitMiddleware(NewIPRateLimiter(s.cfg.RateLimit, s.cfg.Burst)),
	)
	return chain(s.mux)
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
// An unreachable engine is logged, not fatal: the runtime may come up later
// and /health reports its state.
func (s *Server) Start(ctx context.Context) error {
	if s.engine != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.engine.CheckRunning(checkCtx); err != nil {
			log.Printf("SERVER: inference engine is not reachable: %v", err)
		}
		cancel()
	}

	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("SERVER: listening on %s", s.cfg.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	}
}

// ============================================================================
// CHAT STREAM HANDLER
// ============================================================================

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req ChatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.cfg.MaxBodyBytes))
			return
		}
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if msg, ok := s.validateStreamRequest(&req); !ok {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	query := req.Messages[len(req.Messages)-1].Content

	var opts []chat.Option
	if req.ChatID != "" {
		if s.store == nil {
			s.writeError(w, http.StatusServiceUnavailable, "Chat persistence is not available")
			return
		}
		opts = append(opts, chat.WithChatID(req.ChatID))
	} else if len(req.Messages) > 1 {
		opts = append(opts, chat.WithHistory(toTurns(req.Messages[:len(req.Messages)-1])))
	}

	ctx, cancel := r.Context(), context.CancelFunc(func() {})
	if s.cfg.GenerateTimeoutSecs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.GenerateTimeoutSecs)*time.Second)
	}
	defer cancel()

	sess, err := chat.NewSession(ctx, s.deps, opts...)
	if err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			s.writeError(w, http.StatusNotFound, "Chat not found")
			return
		}
		log.Printf("REQUEST_ERROR | op=session error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Request processing failed")
		return
	}

	// The user turn is recorded before generation so a failed or abandoned
	// generation still leaves the question in the transcript.
	if req.ChatID != "" {
		if err := s.store.AppendTurn(ctx, req.ChatID, model.NewUserTurn(query)); err != nil {
			log.Printf("REQUEST_ERROR | op=persist_user error=%v", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to persist message")
			return
		}
	}

	genOpts := chat.GenerateOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	stream, err := sess.GenerateStream(ctx, query, genOpts)
	if err != nil {
		s.writeGenerateError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	flusher.Flush()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("STREAM_ERROR | group=%s error=%v", sess.Group(), err)
			s.sendStreamChunk(w, flusher, StreamChunk{Error: "Generation failed"})
			return
		}
		if chunk.Content != "" {
			s.sendStreamChunk(w, flusher, StreamChunk{Content: chunk.Content})
		}
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// validateStreamRequest checks a request against the configured limits.
// Returns a client-facing message and false when invalid.
func (s *Server) validateStreamRequest(req *ChatStreamRequest) (string, bool) {
	if len(req.Messages) == 0 {
		return "Request must contain at least one message", false
	}
	if len(req.Messages) > s.cfg.MaxMessages {
		return fmt.Sprintf("Too many messages: maximum is %d", s.cfg.MaxMessages), false
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return fmt.Sprintf("Invalid role '%s' at message %d: must be user or assistant", msg.Role, i), false
		}
		if len(msg.Content) > MaxQueryLength {
			return fmt.Sprintf("Message %d exceeds maximum length of %d", i, MaxQueryLength), false
		}
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != "user" {
		return "The last message must be from the user", false
	}
	if req.MaxTokens < 0 || req.MaxTokens > s.cfg.MaxTokensCap {
		return fmt.Sprintf("max_tokens must be between 0 and %d", s.cfg.MaxTokensCap), false
	}
	if req.Temperature != nil && (*req.Temperature < MinTemperature || *req.Temperature > MaxTemperature) {
		return fmt.Sprintf("temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature), false
	}
	return "", true
}

// writeGenerateError maps generation failures to HTTP statuses.
func (s *Server) writeGenerateError(w http.ResponseWriter, err error) {
	var loadErr *pool.LoadError
	switch {
	case llama.IsNotRunning(err):
		s.writeError(w, http.StatusServiceUnavailable, "Inference engine is not running")
	case llama.IsModelNotFound(err):
		log.Printf("REQUEST_ERROR | op=generate error=%v", err)
		s.writeError(w, http.StatusBadGateway, "Model not found on the inference runtime")
	case errors.As(err, &loadErr):
		log.Printf("REQUEST_ERROR | op=load group=%s error=%v", loadErr.Group, err)
		s.writeError(w, http.StatusBadGateway, "Model load failed")
	case errors.Is(err, context.DeadlineExceeded) || llama.IsTimeout(err):
		s.writeError(w, http.StatusGatewayTimeout, "Generation timed out")
	default:
		log.Printf("REQUEST_ERROR | op=generate error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Generation failed")
	}
}

func toTurns(messages []ChatMessage) []model.Turn {
	turns := make([]model.Turn, len(messages))
	for i, msg := range messages {
		turns[i] = model.Turn{Role: model.Role(msg.Role), Content: msg.Content}
	}
	return turns
}

// ============================================================================
// CHAT CRUD HANDLERS
// ============================================================================

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Chat persistence is not available")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	id, err := s.store.CreateChat(r.Context(), req.Title)
	if err != nil {
		log.Printf("REQUEST_ERROR | op=create_chat error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create chat")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id, "title": req.Title})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Chat persistence is not available")
		return
	}

	chats, err := s.store.Chats(r.Context())
	if err != nil {
		log.Printf("REQUEST_ERROR | op=list_chats error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list chats")
		return
	}
	if chats == nil {
		chats = []storage.ChatMeta{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Chat persistence is not available")
		return
	}

	id := r.PathValue("id")
	turns, err := s.store.Turns(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			s.writeError(w, http.StatusNotFound, "Chat not found")
			return
		}
		log.Printf("REQUEST_ERROR | op=chat_messages error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chat_id":  id,
		"messages": turns,
	})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Chat persistence is not available")
		return
	}

	id := r.PathValue("id")
	if err := s.store.DeleteChat(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			s.writeError(w, http.StatusNotFound, "Chat not found")
			return
		}
		log.Printf("REQUEST_ERROR | op=delete_chat error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status":        "ok",
		"version":       Version,
		"groups":        s.deps.Registry.Groups(),
		"default_group": s.deps.Registry.Default(),
	}

	if s.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.engine.CheckRunning(ctx); err != nil {
			payload["engine"] = "unreachable"
		} else {
			payload["engine"] = "ok"
		}
	}

	s.writeJSON(w, http.StatusOK, payload)
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func (s *Server) sendStreamChunk(w http.ResponseWriter, flusher http.Flusher, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("SERVER: failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "invalid_request_error",
			"code":    status,
		},
	})
}
