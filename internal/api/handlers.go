package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"AgentDesk/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Console is what the control API drives.
type Console interface {
	StartPhone(ctx context.Context) error
	StopPhone(ctx context.Context) error
	Dial(ctx context.Context, target string) error
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	ResetCall()
	SendDTMF(ctx context.Context, digit string) error
	JoinQueue(ctx context.Context) error
	LeaveQueue(ctx context.Context) error
	SetAutoAnswer(ctx context.Context, enabled bool) error
	Status() domain.ConsoleStatus
	Channels() []domain.ChannelRecord
	Notifications() []domain.NotificationRecord
	MarkNotificationRead(id string) bool
}

type APIHandlers struct {
	console Console
	metrics http.Handler
	logger  zerolog.Logger
}

type DialRequest struct {
	Destination string `json:"destination"`
}

type DTMFRequest struct {
	Digit string `json:"digit"`
}

type AutoAnswerRequest struct {
	Enabled bool `json:"enabled"`
}

type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StatusResponse struct {
	Success bool                 `json:"success"`
	Status  domain.ConsoleStatus `json:"status"`
	Version string               `json:"version"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

const Version = "1.0.0"

// NewAPIHandlers builds the handlers. metrics may be nil.
func NewAPIHandlers(console Console, metrics http.Handler, logger zerolog.Logger) *APIHandlers {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &APIHandlers{
		console: console,
		metrics: metrics,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

func (h *APIHandlers) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/metrics", h.metrics.ServeHTTP)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", h.handleHealth)
		api.Get("/status", h.handleStatus)
		api.Get("/channels", h.handleChannels)

		api.Post("/registration/start", h.action("Phone started", h.console.StartPhone))
		api.Post("/registration/stop", h.action("Phone stopped", h.console.StopPhone))

		api.Route("/call", func(call chi.Router) {
			call.Post("/dial", h.handleDial)
			call.Post("/answer", h.action("Call answered", h.console.Answer))
			call.Post("/hangup", h.action("Call ended", h.console.Hangup))
			call.Post("/reset", h.handleReset)
			call.Post("/dtmf", h.handleDTMF)
		})

		api.Post("/queue/join", h.action("Joined queue", h.console.JoinQueue))
		api.Post("/queue/leave", h.action("Left queue", h.console.LeaveQueue))

		api.Put("/preferences/auto-answer", h.handleAutoAnswer)

		api.Get("/notifications", h.handleNotifications)
		api.Post("/notifications/{id}/read", h.handleMarkRead)
	})

	return r
}

// action adapts a console operation without a request body.
func (h *APIHandlers) action(message string, op func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			h.sendFailure(w, r, err)
			return
		}
		h.sendJSON(w, ActionResponse{Success: true, Message: message}, http.StatusOK)
	}
}

func (h *APIHandlers) handleDial(w http.ResponseWriter, r *http.Request) {
	var req DialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error().Err(err).Msg("Failed to decode dial request")
		h.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Destination == "" {
		h.sendError(w, "Destination is required", http.StatusBadRequest)
		return
	}

	h.logger.Info().Str("destination", req.Destination).Msg("Dial request received")

	if err := h.console.Dial(r.Context(), req.Destination); err != nil {
		h.sendFailure(w, r, err)
		return
	}

	h.sendJSON(w, ActionResponse{Success: true, Message: "Dialing"}, http.StatusOK)
}

func (h *APIHandlers) handleReset(w http.ResponseWriter, r *http.Request) {
	h.console.ResetCall()
	h.sendJSON(w, ActionResponse{Success: true, Message: "Call reset"}, http.StatusOK)
}

func (h *APIHandlers) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req DTMFRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Digit == "" {
		h.sendError(w, "Digit is required", http.StatusBadRequest)
		return
	}

	if err := h.console.SendDTMF(r.Context(), req.Digit); err != nil {
		h.sendFailure(w, r, err)
		return
	}

	h.sendJSON(w, ActionResponse{Success: true, Message: "Digit sent"}, http.StatusOK)
}

func (h *APIHandlers) handleAutoAnswer(w http.ResponseWriter, r *http.Request) {
	var req AutoAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.console.SetAutoAnswer(r.Context(), req.Enabled); err != nil {
		h.sendFailure(w, r, err)
		return
	}

	h.sendJSON(w, ActionResponse{Success: true, Message: "Preference saved"}, http.StatusOK)
}

func (h *APIHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Success: true,
		Status:  h.console.Status(),
		Version: Version,
	}

	h.sendJSON(w, response, http.StatusOK)
}

func (h *APIHandlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.console.Channels()
	if channels == nil {
		channels = []domain.ChannelRecord{}
	}
	h.sendJSON(w, map[string]interface{}{
		"success":  true,
		"channels": channels,
	}, http.StatusOK)
}

func (h *APIHandlers) handleNotifications(w http.ResponseWriter, r *http.Request) {
	records := h.console.Notifications()
	if records == nil {
		records = []domain.NotificationRecord{}
	}
	h.sendJSON(w, map[string]interface{}{
		"success":       true,
		"notifications": records,
	}, http.StatusOK)
}

func (h *APIHandlers) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.console.MarkNotificationRead(id) {
		h.sendError(w, "Notification not found", http.StatusNotFound)
		return
	}
	h.sendJSON(w, ActionResponse{Success: true, Message: "Marked as read"}, http.StatusOK)
}

func (h *APIHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"success":   true,
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	h.sendJSON(w, response, http.StatusOK)
}

func (h *APIHandlers) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *APIHandlers) sendError(w http.ResponseWriter, message string, statusCode int) {
	response := ErrorResponse{
		Success: false,
		Error:   message,
	}
	h.sendJSON(w, response, statusCode)
}

// sendFailure reports err with its operator-facing message.
func (h *APIHandlers) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	h.logger.Warn().
		Err(err).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Console action failed")
	h.sendError(w, domain.FriendlyMessage(err), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoExtension):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrAuthentication), errors.Is(err, domain.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
