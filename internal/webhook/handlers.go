package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"voiceagent-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the two webhook entry points. Keep these thin:
// parse/validate input, call the pipeline, return JSON.
type Handlers struct {
	Pipeline *Pipeline
	Tokens   *telephony.CallbackTokens
	Log      *slog.Logger
}

// backendEnvelope is the minimal shape every backend webhook must have.
// The full body goes to the pipeline untouched.
type backendEnvelope struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// Backend receives AI-backend events. Contract: 400 only for a missing
// type or call_id; everything else — unknown types, unknown calls,
// malformed optional fields — is acknowledged with 200 so the sender
// never retries what cannot succeed.
func (h Handlers) Backend(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var env backendEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if env.Type == "" || env.CallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type and call_id required"})
		return
	}

	if err := h.Pipeline.Ingest(c.Request.Context(), env.CallID, env.Type, body); err != nil {
		// A store failure must surface as 500 so the sender retries.
		h.Log.Error("webhook ingestion failed", "call_id", env.CallID, "type", env.Type, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CarrierStatus receives carrier status callbacks. The signed token in
// the URL scopes the callback to one call; a bad token is dropped with a
// 200 so probes learn nothing and the carrier stops retrying.
func (h Handlers) CarrierStatus(c *gin.Context) {
	callID, _, err := h.Tokens.Verify(c.Query("token"))
	if err != nil {
		h.Log.Warn("carrier callback with invalid token dropped", "remote", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	form, err := telephony.ParseStatusCallback(c.Request)
	if err != nil {
		h.Log.Warn("unparseable carrier callback dropped", "call_id", callID, "error", err)
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	if err := h.Pipeline.IngestCarrier(c.Request.Context(), callID, form); err != nil {
		h.Log.Error("carrier callback ingestion failed", "call_id", callID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
