package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tasktrack/tasktrack/internal/apperr"
	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/middleware"
	"github.com/tasktrack/tasktrack/internal/service"
)

// HealthChecker is a backing store that can report its health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds all HTTP handlers
type Handler struct {
	db      HealthChecker
	rdb     HealthChecker
	log     *logger.Logger
	cfg     *config.Config
	authSvc *service.AuthService
}

// New creates a new Handler instance
func New(db, rdb HealthChecker, log *logger.Logger, cfg *config.Config, authSvc *service.AuthService) *Handler {
	return &Handler{
		db:      db,
		rdb:     rdb,
		log:     log.WithComponent("handler"),
		cfg:     cfg,
		authSvc: authSvc,
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// writeServiceError maps a service error onto its HTTP status. Internal
// failures are logged and reported without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = &apperr.Error{Kind: apperr.KindUnknown, Code: "internal_error", Err: err}
	}

	body := map[string]interface{}{
		"code":    appErr.Code,
		"message": appErr.Message,
	}

	switch appErr.Kind {
	case apperr.KindUnknown, apperr.KindIntegrity:
		h.log.Error().Err(err).Str("op", op).Str("request_id", middleware.GetRequestID(r.Context())).Msg("request failed")
		body["code"] = "internal_error"
		body["message"] = "An unexpected error occurred"
	case apperr.KindTransientStore:
		h.log.Warn().Err(err).Str("op", op).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
	case apperr.KindRateLimit:
		body["retryAfter"] = appErr.RetryAfter
	}

	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	if reqID := middleware.GetRequestID(r.Context()); reqID != "" {
		body["request_id"] = reqID
	}

	writeJSON(w, appErr.Kind.HTTPStatus(), map[string]interface{}{"error": body})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func (h *Handler) clientIP(r *http.Request) string {
	return middleware.ClientIP(r, h.cfg.Server.TrustProxyHeaders)
}

func (h *Handler) requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IPAddress: h.clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
