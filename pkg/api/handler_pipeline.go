package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowgate/flowgate/pkg/conductor"
	"github.com/flowgate/flowgate/pkg/controlpoint"
)

// createPipelineHandler handles POST /api/v1/pipelines. Inline input is
// staged before the pipeline starts so the run can skip ingestion.
func (s *Server) createPipelineHandler(c *gin.Context) {
	var req CreatePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	cfg := conductor.Config{
		Name:        req.Name,
		Owner:       req.Owner,
		Metadata:    req.Metadata,
		AutoApprove: req.AutoApprove,
	}
	for _, st := range req.Stages {
		cfg.StageSequence = append(cfg.StageSequence, controlpoint.Stage(st))
	}

	p, err := s.svc.CreatePipeline(cfg)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	resp := PipelineCreatedResponse{Pipeline: p}
	if len(req.Input) > 0 {
		handle, err := s.svc.StageInput(p.ID, req.Input, nil)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		resp.StagedInput = handle
	}
	if req.Start {
		cp, err := s.svc.StartPipeline(p.ID, resp.StagedInput)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		resp.EntryPoint = &cp
	}

	c.JSON(http.StatusCreated, resp)
}

// startPipelineHandler handles POST /api/v1/pipelines/:id/start.
func (s *Server) startPipelineHandler(c *gin.Context) {
	pipelineID := c.Param("id")

	var req StartPipelineRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	stagedInput := req.StagedInput
	if stagedInput == "" && len(req.Input) > 0 {
		handle, err := s.svc.StageInput(pipelineID, req.Input, nil)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		stagedInput = handle
	}

	cp, err := s.svc.StartPipeline(pipelineID, stagedInput)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, StartPipelineResponse{ControlPoint: cp})
}

// listPipelinesHandler handles GET /api/v1/pipelines.
func (s *Server) listPipelinesHandler(c *gin.Context) {
	pipelines := s.svc.ListPipelines(c.Query("owner"))
	c.JSON(http.StatusOK, gin.H{
		"pipelines": pipelines,
		"count":     len(pipelines),
	})
}

// getPipelineHandler handles GET /api/v1/pipelines/:id.
func (s *Server) getPipelineHandler(c *gin.Context) {
	view, err := s.svc.GetStatus(c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// cancelPipelineHandler handles POST /api/v1/pipelines/:id/cancel.
func (s *Server) cancelPipelineHandler(c *gin.Context) {
	pipelineID := c.Param("id")
	if err := s.svc.Cancel(pipelineID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelResponse{
		PipelineID: pipelineID,
		Message:    "Pipeline cancellation requested",
	})
}
