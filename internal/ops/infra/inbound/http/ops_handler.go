package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/infra/relayer"
)

// StatsReader es la parte del repositorio del outbox que usa /outbox/stats.
type StatsReader interface {
	Stats(ctx context.Context, maxRetries int) (domain.OutboxStats, error)
}

// PublisherState informa del estado del bucle del publicador.
type PublisherState interface {
	State() relayer.State
}

// Check es una comprobación de disponibilidad de una dependencia.
type Check func(ctx context.Context) error

type OpsHandler struct {
	stats      StatsReader
	maxRetries int
	publisher  PublisherState
	checks     map[string]Check
	metrics    http.Handler
	log        *zap.Logger
}

type OpsOption func(*OpsHandler)

// WithPublisher expone el estado del publicador en /health.
func WithPublisher(p PublisherState) OpsOption {
	return func(h *OpsHandler) { h.publisher = p }
}

// WithCheck añade una comprobación a /ready.
func WithCheck(name string, check Check) OpsOption {
	return func(h *OpsHandler) { h.checks[name] = check }
}

func WithMetrics(handler http.Handler) OpsOption {
	return func(h *OpsHandler) { h.metrics = handler }
}

func NewOpsHandler(stats StatsReader, maxRetries int, log *zap.Logger, opts ...OpsOption) *OpsHandler {
	h := &OpsHandler{
		stats:      stats,
		maxRetries: maxRetries,
		checks:     make(map[string]Check),
		log:        log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health endpoint GET /health
func (h *OpsHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.publisher != nil {
		body["publisher"] = h.publisher.State().String()
	}
	c.JSON(http.StatusOK, body)
}

// Ready endpoint GET /ready. Responde 503 si alguna dependencia falla.
func (h *OpsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.log.Warn("Dependencia no disponible", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	c.JSON(status, gin.H{"checks": results})
}

// OutboxStats endpoint GET /outbox/stats
func (h *OpsHandler) OutboxStats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context(), h.maxRetries)
	if err != nil {
		h.log.Error("Error al leer estadísticas del outbox", zap.Error(err))
		SendInternalServerError(c, "could not read outbox stats")
		return
	}
	SendSuccess(c, http.StatusOK, gin.H{
		"pending":     stats.Pending,
		"processed":   stats.Processed,
		"failed":      stats.Failed,
		"exhausted":   stats.Exhausted,
		"max_retries": h.maxRetries,
	})
}
