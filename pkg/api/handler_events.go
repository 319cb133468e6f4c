package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// maxEventBody caps webhook payload size. GitHub caps deliveries at 25 MB;
// anything larger is not a delivery.
const maxEventBody = 25 << 20

// handleEvent is the webhook ingress: verify, route, enqueue. Routing runs
// synchronously so the delivery response already says whether work happens.
func (s *Server) handleEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !s.verifySignature(body, c.GetHeader("X-Hub-Signature-256")) {
		s.log.Warn("webhook signature rejected",
			"delivery", c.GetHeader("X-GitHub-Delivery"))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	var ev router.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	// The event name travels in the header, not the payload.
	if name := c.GetHeader("X-GitHub-Event"); name != "" {
		ev.Name = name
	}
	if ev.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-GitHub-Event"})
		return
	}

	dec := s.router.Route(&ev)
	if dec.Skip {
		c.JSON(http.StatusOK, gin.H{"skip": true, "skip_reason": dec.SkipReason})
		return
	}

	d, err := s.queue.Enqueue(c.Request.Context(), dec, body)
	if err != nil {
		s.log.Error("enqueue failed", "job", dec.Job, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"dispatch_id":       d.ID,
		"job":               d.Job,
		"trigger":           d.Trigger,
		"resource_type":     d.ResourceType,
		"resource_number":   d.ResourceNumber,
		"concurrency_group": d.ConcurrencyGroup,
	})
}

// verifySignature checks the HMAC-SHA256 delivery signature in constant time.
func (s *Server) verifySignature(body []byte, header string) bool {
	if s.cfg.WebhookSecret == "" {
		return true
	}
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}
