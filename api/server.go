// Package api exposes the user-facing HTTP endpoints for registration and
// subscription management. It mutates the storage only; the notification
// pipeline never runs inside a request handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/raykavin/pricewatch/core"
)

// Server is the HTTP API for registration and subscription management
type Server struct {
	storage    core.Storage
	settings   core.APISettings
	log        core.Logger
	httpServer *http.Server
}

// NewServer creates the API server
func NewServer(storage core.Storage, settings core.APISettings, log core.Logger) *Server {
	server := &Server{
		storage:  storage,
		settings: settings,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", server.handleRegister)
	mux.HandleFunc("POST /token", server.handleToken)
	mux.HandleFunc("POST /subscriptions", server.authenticated(server.handleCreateSubscription))
	mux.HandleFunc("GET /subscriptions", server.authenticated(server.handleListSubscriptions))
	mux.HandleFunc("DELETE /subscriptions/{id}", server.authenticated(server.handleDisableSubscription))

	server.httpServer = &http.Server{
		Addr:    settings.Addr,
		Handler: mux,
	}

	return server
}

// Start serves requests until Shutdown is called
func (s *Server) Start() error {
	s.log.Infof("api listening on %s", s.settings.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Request/response payloads
// -------------------------

type registerRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TelegramID int64  `json:"telegram_id"`
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type subscriptionRequest struct {
	Symbol    string  `json:"symbol"`
	Op        string  `json:"op"`
	Threshold float64 `json:"threshold"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handlers
// --------

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	hashed, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	user := &core.User{
		Username:       req.Username,
		HashedPassword: hashed,
		TelegramID:     req.TelegramID,
	}

	if err := s.storage.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, core.ErrDuplicateUser) {
			s.writeError(w, http.StatusBadRequest, "username already exists")
			return
		}
		s.log.WithError(err).Error("failed to create user")
		s.writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.writeToken(w, user.ID)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, err := s.storage.UserByName(r.Context(), req.Username)
	if err != nil || !verifyPassword(req.Password, user.HashedPassword) {
		s.writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	s.writeToken(w, user.ID)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request, userID int64) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	condition, err := core.NewCondition(core.Op(req.Op), req.Threshold)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := &core.Subscription{
		UserID:    userID,
		Symbol:    strings.ToUpper(req.Symbol),
		Condition: condition,
		Enabled:   true,
	}

	if err := s.storage.CreateSubscription(r.Context(), sub); err != nil {
		if errors.Is(err, core.ErrDuplicateSubscription) {
			s.writeError(w, http.StatusConflict, "an active subscription with this condition already exists")
			return
		}
		s.log.WithError(err).Error("failed to create subscription")
		s.writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request, userID int64) {
	subs, err := s.storage.Subscriptions(r.Context(), core.WithUser(userID))
	if err != nil {
		s.log.WithError(err).Error("failed to list subscriptions")
		s.writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleDisableSubscription(w http.ResponseWriter, r *http.Request, userID int64) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed subscription id")
		return
	}

	subs, err := s.storage.Subscriptions(r.Context(), core.WithUser(userID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to disable subscription")
		return
	}

	owned := false
	for _, sub := range subs {
		if sub.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	if err := s.storage.DisableSubscription(r.Context(), id, "disabled by user"); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to disable subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Middleware and helpers
// ----------------------

// authenticated wraps a handler with bearer token validation
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := parseToken(s.settings.JWTSecret, token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "could not validate credentials")
			return
		}

		next(w, r, userID)
	}
}

func (s *Server) writeToken(w http.ResponseWriter, userID int64) {
	token, err := createToken(s.settings.JWTSecret, userID, s.settings.TokenTTL)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
