package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/service"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	limiter  *service.RateLimitService
	sessions *service.SessionService
	audit    *service.AuditService
	log      *logger.Logger
	cfg      *config.Config
}

// New creates a new Middleware instance
func New(limiter *service.RateLimitService, sessions *service.SessionService, audit *service.AuditService, log *logger.Logger, cfg *config.Config) *Middleware {
	return &Middleware{
		limiter:  limiter,
		sessions: sessions,
		audit:    audit,
		log:      log,
		cfg:      cfg,
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
