package signal

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the event stream on router.
func (s *EventServer) SetupRoutes(router gin.IRouter) {
	router.GET("/ws", func(c *gin.Context) {
		s.HandleWebSocket(c.Writer, c.Request)
	})
	router.GET("/ws/health", func(c *gin.Context) {
		s.HealthCheck(c.Writer, c.Request)
	})
}
