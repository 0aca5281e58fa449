package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/staging"
)

// respondServiceError maps service-layer errors to HTTP error responses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, controlpoint.ErrPipelineNotFound),
		errors.Is(err, controlpoint.ErrControlPointNotFound),
		errors.Is(err, staging.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, controlpoint.ErrInvalidConfig),
		errors.Is(err, controlpoint.ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, controlpoint.ErrPipelineTerminal):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, broker.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "system is overloaded, retry later"})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
