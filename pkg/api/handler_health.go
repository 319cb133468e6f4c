package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kevin-mind/nopo-steward/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// handleHealth handles GET /api/v1/health. Only the steward's own components
// are checked; upstream VCS availability is deliberately excluded so a GitHub
// outage does not restart the steward.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	checks := gin.H{}

	if s.db != nil {
		dbHealth, err := s.db.Health(ctx)
		if err != nil {
			status = healthStatusUnhealthy
			checks["database"] = gin.H{"status": healthStatusUnhealthy, "error": err.Error()}
		} else {
			checks["database"] = dbHealth
		}
	}

	if s.dispatches != nil && status == healthStatusHealthy {
		counts, err := s.dispatches.CountByStatus(ctx)
		if err != nil {
			status = healthStatusUnhealthy
			checks["queue"] = gin.H{"status": healthStatusUnhealthy, "error": err.Error()}
		} else {
			checks["queue"] = gin.H{"status": healthStatusHealthy, "depth": counts}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":  status,
		"version": version.GitCommit,
		"checks":  checks,
	})
}
