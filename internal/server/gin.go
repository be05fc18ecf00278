package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sevir/clubhoused/internal/lifecycle"
	"github.com/sevir/clubhoused/internal/supervisor"
	"github.com/sevir/clubhoused/pkg/models"
)

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/orchestrators", s.handleAPIOrchestrators)
		api.GET("/availability", s.handleAPIAvailability)
		api.GET("/agents", s.handleAPIAgentsList)
		api.POST("/agents", s.handleAPIAgentSpawn)
		api.GET("/agents/:id", s.handleAPIAgentGet)
		api.POST("/agents/:id/kill", s.handleAPIAgentKill)
		api.DELETE("/agents/:id", s.handleAPIAgentUntrack)
		api.GET("/events", s.handleAPIEvents)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"agents":      len(s.manager.Agents()),
		"subscribers": s.events.SubscriberCount(),
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPIOrchestrators(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orchestrators": s.manager.GetAvailableOrchestrators()})
}

func (s *Server) handleAPIAvailability(c *gin.Context) {
	avail := s.manager.CheckAvailability(
		c.Request.Context(),
		strings.TrimSpace(c.Query("project")),
		strings.TrimSpace(c.Query("orchestrator")),
	)
	c.JSON(http.StatusOK, avail)
}

func (s *Server) handleAPIAgentsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.manager.Agents()})
}

func (s *Server) handleAPIAgentSpawn(c *gin.Context) {
	var req models.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		req.AgentID = "agent-" + uuid.NewString()[:8]
	}

	if err := s.manager.SpawnAgent(c.Request.Context(), req); err != nil {
		c.JSON(spawnErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	rec, ok := s.manager.Agent(req.AgentID)
	if !ok {
		// Already exited between spawn and lookup.
		c.JSON(http.StatusCreated, gin.H{"agent": gin.H{"agent_id": req.AgentID}})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": rec})
}

func spawnErrorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownOrchestrator):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrAlreadyTracked):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAPIAgentGet(c *gin.Context) {
	rec, ok := s.manager.Agent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": rec})
}

func (s *Server) handleAPIAgentKill(c *gin.Context) {
	id := c.Param("id")
	rec, ok := s.manager.Agent(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var req struct {
		Orchestrator string `json:"orchestrator"`
	}
	// The body is optional.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.manager.KillAgent(c.Request.Context(), id, rec.ProjectPath, req.Orchestrator)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrUnknownOrchestrator):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, supervisor.ErrNotRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"agent_id": id, "status": "stopping"})
}

func (s *Server) handleAPIAgentUntrack(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.manager.Agent(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	s.manager.UntrackAgent(id)
	c.Status(http.StatusNoContent)
}
