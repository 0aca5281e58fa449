package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowgate/flowgate/pkg/controlpoint"
)

// submitDecisionHandler handles POST /api/v1/decisions.
func (s *Server) submitDecisionHandler(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	switch controlpoint.DecisionType(req.Type) {
	case controlpoint.DecisionApprove, controlpoint.DecisionRework, controlpoint.DecisionReject:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "type must be approve, rework, or reject",
		})
		return
	}

	d := controlpoint.Decision{
		Type:        controlpoint.DecisionType(req.Type),
		ReworkStage: controlpoint.Stage(req.ReworkStage),
		Reason:      req.Reason,
		DecidedBy:   req.DecidedBy,
		Details:     req.Details,
		DecidedAt:   time.Now(),
	}
	if err := s.svc.SubmitDecision(req.ControlPointID, d); err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, DecisionResponse{
		ControlPointID: req.ControlPointID,
		Message:        "Decision accepted",
	})
}
