package api

import (
	"mediadl/config"
	"mediadl/event"
	"mediadl/task"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// SetupRouter builds the HTTP API. bus may be nil, in which case the events
// stream is not served.
func SetupRouter(tm *task.Manager, bus *event.Bus, cfg *config.Config, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(log))
	h := NewHandler(tm, bus, log)
	h.origins = cfg.WSOrigins

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:identity", h.handleGetTask)
		v1.PATCH("/tasks/:identity/cancel", h.handleCancelTask)
		v1.DELETE("/tasks/:identity", h.handleDismissTask)
		v1.GET("/tasks/:identity/file", h.handleGetFile)

		if bus != nil {
			v1.GET("/events", h.handleEvents)
		}
	}
	return r
}
