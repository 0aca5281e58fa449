package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowgate/flowgate/pkg/version"
)

// healthHandler handles GET /api/v1/health.
func (s *Server) healthHandler(c *gin.Context) {
	connections := 0
	if s.connManager != nil {
		connections = s.connManager.ActiveConnections()
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     version.Full(),
		Pipelines:   len(s.svc.ListPipelines("")),
		Connections: connections,
	})
}
