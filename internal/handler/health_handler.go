package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether a backing dependency is reachable.
type Pinger func(ctx context.Context) error

// SessionCounter is satisfied by attempt.Service.
type SessionCounter interface {
	ActiveCount() int
}

// HealthHandler reports liveness, dependency reachability and session load.
type HealthHandler struct {
	sessions  SessionCounter
	deps      map[string]Pinger
	startTime time.Time
	log       zerolog.Logger
}

// NewHealthHandler creates a HealthHandler. deps maps a dependency name
// ("store", "redis") to its ping function.
func NewHealthHandler(sessions SessionCounter, deps map[string]Pinger, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		sessions:  sessions,
		deps:      deps,
		startTime: time.Now(),
		log:       log.With().Str("component", "health_handler").Logger(),
	}
}

type healthStatus struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	ActiveSessions int               `json:"active_sessions"`
	Goroutines     int               `json:"goroutines"`
	Dependencies   map[string]string `json:"dependencies"`
}

// Health godoc
// GET /health
// Answers 503 when any dependency fails its ping.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	st := healthStatus{
		Status:         "ok",
		Uptime:         time.Since(h.startTime).Truncate(time.Second).String(),
		ActiveSessions: h.sessions.ActiveCount(),
		Goroutines:     runtime.NumGoroutine(),
		Dependencies:   make(map[string]string, len(h.deps)),
	}

	code := http.StatusOK
	for name, ping := range h.deps {
		if err := ping(ctx); err != nil {
			h.log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			st.Dependencies[name] = "down"
			st.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		st.Dependencies[name] = "up"
	}

	response.Success(c, code, st)
}
