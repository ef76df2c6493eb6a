package http

import "github.com/gin-gonic/gin"

func RegisterOpsRoutes(r *gin.Engine, handler *OpsHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
	r.GET("/outbox/stats", handler.OutboxStats)
	if handler.metrics != nil {
		r.GET("/metrics", gin.WrapH(handler.metrics))
	}
}

// NewRouter crea el engine sin el logger por defecto de gin: las peticiones
// de sondeo no deben llenar los logs.
func NewRouter(handler *OpsHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterOpsRoutes(r, handler)
	return r
}
