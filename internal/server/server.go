// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API for the assistant.
//
// Endpoints:
//   - POST   /api/auth/signup                     - Create an account
//   - POST   /api/auth/signin                     - Sign in
//   - POST   /api/auth/signout                    - Terminate the session
//   - POST   /api/chat                            - Send a message
//   - GET    /api/conversations                   - List conversations
//   - GET    /api/conversations/{id}/turns        - Load one conversation
//   - DELETE /api/conversations/{id}              - Delete a conversation
//   - POST   /api/export/spreadsheet              - Export latest reply as xlsx
//   - POST   /api/export/calendar                 - Export latest reply as ics
//   - GET    /health                              - Health check
//   - GET    /metrics                             - Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/thomasng/taims/internal/chat"
	"github.com/thomasng/taims/internal/genai"
	"github.com/thomasng/taims/internal/identity"
	"github.com/thomasng/taims/internal/metrics"
	"github.com/thomasng/taims/internal/model"
	"github.com/thomasng/taims/internal/session"
	"github.com/thomasng/taims/internal/store"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8790

	// MaxRequestBodySize caps request bodies at 1MB.
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageLength caps a single chat message.
	MaxMessageLength = 100000

	// SessionHeader carries the session token. A Bearer Authorization
	// header is accepted as an alternative.
	SessionHeader = "X-Session-Token"

	// Version is the server version.
	Version = "1.0.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API server.
type Server struct {
	port   int
	router *http.ServeMux
	server *http.Server

	identity *identity.Client
	chat     *chat.Service
	sessions *session.Manager

	log      zerolog.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	limiter  *rateLimiter

	startTime time.Time
}

// NewServer creates a server wired to its collaborators. If port is 0 the
// default port is used.
func NewServer(port int, idc *identity.Client, svc *chat.Service, sessions *session.Manager, log zerolog.Logger, m *metrics.Metrics, reg *prometheus.Registry) *Server {
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		port:      port,
		router:    http.NewServeMux(),
		identity:  idc,
		chat:      svc,
		sessions:  sessions,
		log:       log,
		metrics:   m,
		registry:  reg,
		limiter:   newRateLimiter(defaultRateLimit, defaultRateBurst),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// WithRateLimit overrides the per-client request rate.
func (s *Server) WithRateLimit(perSecond float64, burst int) *Server {
	s.limiter = newRateLimiter(perSecond, burst)
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Authentication
	s.router.HandleFunc("POST /api/auth/signup", s.handleSignUp)
	s.router.HandleFunc("POST /api/auth/signin", s.handleSignIn)
	s.router.HandleFunc("POST /api/auth/signout", s.handleSignOut)

	// Conversation flow (session required)
	s.router.HandleFunc("POST /api/chat", s.requireSession(s.handleChat))
	s.router.HandleFunc("GET /api/conversations", s.requireSession(s.handleListConversations))
	s.router.HandleFunc("GET /api/conversations/{id}/turns", s.requireSession(s.handleLoadConversation))
	s.router.HandleFunc("DELETE /api/conversations/{id}", s.requireSession(s.handleDeleteConversation))

	// Exports (session required)
	s.router.HandleFunc("POST /api/export/spreadsheet", s.requireSession(s.handleExportSpreadsheet))
	s.router.HandleFunc("POST /api/export/calendar", s.requireSession(s.handleExportCalendar))

	// Operational endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the full middleware chain. Exposed for tests.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = s.rateLimitMiddleware(h)
	h = s.loggingMiddleware(h)
	h = securityHeadersMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.port).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("shutting down http server")
	return s.server.Shutdown(shutdownCtx)
}

// ============================================================================
// AUTH HANDLERS
// ============================================================================

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// handleSignUp handles POST /api/auth/signup.
func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	s.handleCredentials(w, r, s.identity.SignUp)
}

// handleSignIn handles POST /api/auth/signin.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	s.handleCredentials(w, r, s.identity.SignIn)
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request, authenticate func(context.Context, string, string) (*model.User, error)) {
	var req credentialsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	sess, err := s.sessions.Create(*user)
	if err != nil {
		s.log.Error().Err(err).Msg("session creation failed")
		s.writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	s.writeJSON(w, http.StatusOK, authResponse{Token: sess.Token, User: *user})
}

// writeAuthError maps identity provider errors onto HTTP statuses. The
// response body never distinguishes a wrong password from an unknown email.
func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		s.writeError(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, identity.ErrEmailExists):
		s.writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, identity.ErrWeakPassword):
		s.writeError(w, http.StatusBadRequest, "password too weak")
	case errors.Is(err, identity.ErrNotConfigured):
		s.writeError(w, http.StatusServiceUnavailable, "authentication is not configured")
	case errors.Is(err, identity.ErrConnection):
		s.writeError(w, http.StatusBadGateway, "authentication service unreachable")
	default:
		s.log.Error().Err(err).Msg("authentication failed")
		s.writeError(w, http.StatusInternalServerError, "authentication failed")
	}
}

// handleSignOut handles POST /api/auth/signout. Signing out an unknown
// token succeeds; the end state is the same.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		s.sessions.Delete(token)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

// ============================================================================
// CHAT HANDLERS
// ============================================================================

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// handleChat handles POST /api/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req chatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	if len(req.Message) > MaxMessageLength {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("message exceeds maximum length of %d", MaxMessageLength))
		return
	}

	reply, err := s.chat.SendMessage(r.Context(), sess.User, req.ConversationID, req.Message)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	// Remember which conversation the tab is on so exports can omit the ID.
	// The session can expire between the auth check and here; the reply is
	// still valid, the pin is just lost.
	if err := s.sessions.SetConversation(sess.Token, reply.ConversationID); err != nil {
		s.log.Debug().Err(err).Msg("session gone before conversation could be pinned")
	}

	s.writeJSON(w, http.StatusOK, reply)
}

// writeChatError maps generation failures onto HTTP statuses.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		s.writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, genai.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "the model is rate limited, try again shortly")
	case errors.Is(err, genai.ErrNotConfigured):
		s.writeError(w, http.StatusServiceUnavailable, "the model API key is not configured")
	case errors.Is(err, genai.ErrNoModels):
		s.writeError(w, http.StatusServiceUnavailable, "no usable model is available")
	default:
		s.log.Error().Err(err).Msg("chat request failed")
		s.writeError(w, http.StatusInternalServerError, "message processing failed")
	}
}

// handleListConversations handles GET /api/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	list, err := s.chat.ListConversations(r.Context(), sess.User)
	if err != nil {
		s.log.Error().Err(err).Msg("list conversations failed")
		s.writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleLoadConversation handles GET /api/conversations/{id}/turns.
func (s *Server) handleLoadConversation(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	id := r.PathValue("id")
	turns, err := s.chat.LoadConversation(r.Context(), sess.User, id)
	if err != nil {
		s.log.Error().Err(err).Str("conversation_id", id).Msg("load conversation failed")
		s.writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	if err := s.sessions.SetConversation(sess.Token, id); err != nil {
		s.log.Debug().Err(err).Msg("session gone before conversation could be pinned")
	}
	s.writeJSON(w, http.StatusOK, turns)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	id := r.PathValue("id")
	if err := s.chat.DeleteConversation(r.Context(), sess.User, id); err != nil {
		s.log.Error().Err(err).Str("conversation_id", id).Msg("delete conversation failed")
		s.writeError(w, http.StatusInternalServerError, "could not delete conversation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ============================================================================
// EXPORT HANDLERS
// ============================================================================

type exportRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleExportSpreadsheet handles POST /api/export/spreadsheet.
func (s *Server) handleExportSpreadsheet(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	s.handleExport(w, r, sess, "schedule", s.chat.ExportSpreadsheet)
}

// handleExportCalendar handles POST /api/export/calendar.
func (s *Server) handleExportCalendar(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	s.handleExport(w, r, sess, "schedule", s.chat.ExportCalendar)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, sess *session.Session, basename string, run func(context.Context, model.User, string) (*chat.ExportResult, error)) {
	var req exportRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = sess.ConversationID
	}
	if conversationID == "" {
		s.writeError(w, http.StatusBadRequest, "no conversation selected")
		return
	}

	result, err := run(r.Context(), sess.User, conversationID)
	if err != nil {
		s.writeExportError(w, err)
		return
	}

	filename := basename + result.FileExtension
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(result.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(result.Data)
}

// writeExportError maps extraction outcomes onto HTTP statuses. "No data"
// is a normal outcome, not a server failure.
func (s *Server) writeExportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNoAssistantReply):
		s.writeError(w, http.StatusConflict, "the conversation has no reply to export yet")
	case errors.Is(err, chat.ErrNoScheduleData):
		s.writeError(w, http.StatusUnprocessableEntity, "no schedule data found in the latest reply")
	case errors.Is(err, genai.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "the model is rate limited, try again shortly")
	default:
		s.log.Error().Err(err).Msg("export failed")
		s.writeError(w, http.StatusInternalServerError, "export failed")
	}
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      s.sessions.Count(),
	})
}

// ============================================================================
// HELPERS
// ============================================================================

// decodeBody parses the JSON request body into dst, writing the error
// response itself on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", MaxRequestBodySize))
			return false
		}
		s.log.Debug().Err(err).Msg("invalid request body")
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return false
	}
	return true
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}
