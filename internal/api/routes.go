package api

import "github.com/gin-gonic/gin"

// RegisterRoutes wires every pool-service endpoint, following this
// codebase's RegisterRoutes(engine, ...handlers) composition
// (internal/api/routes/routes.go), reduced to this service's flat route
// set since there is no public/private/creator/admin split here.
func RegisterRoutes(r *gin.Engine, h *Handler, apiToken string) {
	r.GET("/health", h.HealthHandler)

	protected := r.Group("/")
	protected.Use(APITokenAuth(apiToken))

	protected.POST("/allocate", h.AllocateHandler)
	protected.POST("/release/:vmid", h.ReleaseHandler)
	protected.DELETE("/containers/:vmid", h.RemoveHandler)
	protected.POST("/warm/:template", h.WarmHandler)
	protected.GET("/status", h.StatusHandler)
}
