package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kevin-mind/nopo-steward/pkg/router"
	"github.com/kevin-mind/nopo-steward/pkg/store"
)

// handleListDispatches handles GET /api/v1/dispatches?status=&group=&issue=&limit=.
func (s *Server) handleListDispatches(c *gin.Context) {
	f := store.ListFilter{
		Status:           store.Status(c.Query("status")),
		ConcurrencyGroup: c.Query("group"),
	}
	if raw := c.Query("issue"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid issue"})
			return
		}
		f.ResourceNumber = n
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	list, err := s.dispatches.List(c.Request.Context(), f)
	if err != nil {
		s.log.Error("list dispatches failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatches": list, "count": len(list)})
}

// handleGetDispatch handles GET /api/v1/dispatches/:id.
func (s *Server) handleGetDispatch(c *gin.Context) {
	d, err := s.dispatches.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dispatch not found"})
		return
	}
	if err != nil {
		s.log.Error("get dispatch failed", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// handleCreateDispatch handles POST /api/v1/dispatches: a manual dispatch
// request carrying a synthetic event, the operator's equivalent of a webhook.
// trigger_type on the event overrides the routed trigger.
func (s *Server) handleCreateDispatch(c *gin.Context) {
	var ev router.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event: " + err.Error()})
		return
	}
	if ev.Name == "" {
		ev.Name = "workflow_dispatch"
	}

	dec := s.router.Route(&ev)
	if dec.Skip {
		c.JSON(http.StatusOK, gin.H{"skip": true, "skip_reason": dec.SkipReason})
		return
	}

	raw, _ := json.Marshal(ev)
	d, err := s.queue.Enqueue(c.Request.Context(), dec, raw)
	if err != nil {
		s.log.Error("enqueue failed", "job", dec.Job, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"dispatch_id": d.ID, "job": d.Job})
}
