package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chatmux/internal/constants"
	apperrors "chatmux/internal/errors"
	"chatmux/internal/gateway"
	"chatmux/internal/models"
	"chatmux/internal/service"
)

// CredentialVault is the credential management surface exposed over the API.
type CredentialVault interface {
	StoreCredential(ctx context.Context, platform models.Platform, token string) error
	ClearCredential(ctx context.Context, platform models.Platform) error
	ValidateTokenFormat(platform models.Platform, token string) bool
}

type Server struct {
	router     *mux.Router
	logger     *logrus.Logger
	aggregator *service.Aggregator
	vault      CredentialVault
	limiter    *gateway.FixedWindowLimiter
	port       int
	server     *http.Server
}

func NewServer(cfg models.ServerConfig, aggregator *service.Aggregator, vault CredentialVault, logger *logrus.Logger) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		logger:     logger,
		aggregator: aggregator,
		vault:      vault,
		limiter:    gateway.NewFixedWindowLimiter(cfg.RequestsPerMinute, time.Minute),
		port:       cfg.Port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware, s.rateLimitMiddleware)

	api.HandleFunc("/chats", s.handleGetChats()).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatID}/messages", s.handleGetMessages()).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatID}/messages", s.handleSendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatID}/attachments", s.handleUploadAttachment()).Methods(http.MethodPost)
	api.HandleFunc("/messages/recent", s.handleRecentMessages()).Methods(http.MethodGet)

	api.HandleFunc("/sync/status", s.handleSyncStatus()).Methods(http.MethodGet)
	api.HandleFunc("/sync/trigger", s.handleSyncTrigger()).Methods(http.MethodPost)

	api.HandleFunc("/settings", s.handleGetSettings()).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleUpdateSettings()).Methods(http.MethodPut)

	api.HandleFunc("/credentials/{platform}", s.handleStoreCredential()).Methods(http.MethodPut)
	api.HandleFunc("/credentials/{platform}", s.handleClearCredential()).Methods(http.MethodDelete)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("chatmux/server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.Int("http.response.status_code", wrapper.statusCode),
		)

		level := logrus.InfoLevel
		if wrapper.statusCode >= 500 {
			level = logrus.ErrorLevel
		} else if wrapper.statusCode >= 400 {
			level = logrus.WarnLevel
		}
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     wrapper.statusCode,
			"durationMs": time.Since(start).Milliseconds(),
		}).Log(level, "HTTP request completed")
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures the status code for request logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Handlers

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

func (s *Server) handleGetChats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := models.Platform(r.URL.Query().Get("platform"))
		chats, err := s.aggregator.GetChats(r.Context(), platform)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
	}
}

func (s *Server) handleGetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]
		limit := queryInt(r, "limit", constants.DefaultMessagePageSize)
		offset := queryInt(r, "offset", 0)

		messages, err := s.aggregator.GetMessages(r.Context(), chatID, limit, offset)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
	}
}

func (s *Server) handleRecentMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := time.ParseDuration(r.URL.Query().Get("window"))
		if err != nil || window <= 0 {
			s.writeError(w, http.StatusBadRequest, "window must be a positive duration, e.g. 24h")
			return
		}
		chatID := r.URL.Query().Get("chat_id")

		messages, err := s.aggregator.GetMessagesSince(r.Context(), chatID, window)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
	}
}

type sendMessageBody struct {
	Platform       models.Platform     `json:"platform"`
	Content        string              `json:"content"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	ChallengeProof string              `json:"challenge_proof,omitempty"`
	ChallengeData  json.RawMessage     `json:"challenge_data,omitempty"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]

		var body sendMessageBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Platform == "" || body.Content == "" {
			s.writeError(w, http.StatusBadRequest, "platform and content are required")
			return
		}

		var msg *models.Message
		var err error
		if body.ChallengeProof != "" {
			msg, err = s.aggregator.SendMessageWithChallengeProof(
				r.Context(), body.Platform, chatID, body.Content, body.ChallengeProof, body.ChallengeData)
		} else {
			msg, err = s.aggregator.SendMessage(r.Context(), body.Platform, chatID, body.Content, body.Attachments)
		}
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"message": msg})
	}
}

func (s *Server) handleUploadAttachment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]
		platform := models.Platform(r.URL.Query().Get("platform"))
		if platform == "" {
			s.writeError(w, http.StatusBadRequest, "platform query parameter is required")
			return
		}

		if err := r.ParseMultipartForm(constants.DefaultMaxUploadBytes); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		att, err := s.aggregator.UploadAttachment(r.Context(), platform, chatID, header.Filename, file)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"attachment": att})
	}
}

func (s *Server) handleSyncStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.aggregator.GetSyncStatus(r.Context())
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleSyncTrigger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.aggregator.TriggerManualSync()
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

func (s *Server) handleGetSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := s.aggregator.GetSettings(r.Context())
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"settings": settings})
	}
}

func (s *Server) handleUpdateSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Settings []models.Setting `json:"settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.aggregator.UpdateSettings(r.Context(), body.Settings); err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func (s *Server) handleStoreCredential() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := models.Platform(mux.Vars(r)["platform"])

		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !s.vault.ValidateTokenFormat(platform, body.Token) {
			s.writeError(w, http.StatusBadRequest, "token format is invalid")
			return
		}
		if err := s.vault.StoreCredential(r.Context(), platform, body.Token); err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	}
}

func (s *Server) handleClearCredential() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := models.Platform(mux.Vars(r)["platform"])
		if err := s.vault.ClearCredential(r.Context(), platform); err != nil {
			s.writeAppError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

// Response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps the error taxonomy onto HTTP statuses. Challenges carry
// their opaque payload so the caller can solve them out-of-band.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	if ce, ok := apperrors.AsChallenge(err); ok {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     "challenge required",
			"challenge": json.RawMessage(ce.ChallengeData),
		})
		return
	}

	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case apperrors.IsCode(err, apperrors.ErrCodeInvalidConfig):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.IsCode(err, apperrors.ErrCodeAuthInvalid):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case apperrors.IsCode(err, apperrors.ErrCodeRateLimit):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.WithError(err).Error("Request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v < 0 {
		return fallback
	}
	return v
}
