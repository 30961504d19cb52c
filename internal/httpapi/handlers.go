package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/dialer"
	"voiceagent-platform/internal/ledger"
	"voiceagent-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Dialer  *dialer.Service
	Store   calls.Store
	Ledger  ledger.Ledger
	Reports *reporting.Service
	Tracker *reporting.LiveTracker
	Log     *slog.Logger
}

// --- Calls ---

type submitCallRequest struct {
	OrgID     string            `json:"org_id"`
	AgentID   string            `json:"agent_id"`
	ToNumber  string            `json:"to_number"`
	Variables map[string]string `json:"variables,omitempty"`

	// Await blocks the response until the dial attempt finishes so the
	// caller gets the conversation id in one round trip.
	Await bool `json:"await,omitempty"`
}

// SubmitCall accepts an outbound call for dialing. Acceptance means
// queued, not connected; progress arrives through webhooks.
func (h Handlers) SubmitCall(c *gin.Context) {
	var req submitCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	res, err := h.Dialer.Submit(c.Request.Context(), dialer.SubmitRequest{
		OrgID:     req.OrgID,
		AgentID:   req.AgentID,
		ToNumber:  req.ToNumber,
		Variables: req.Variables,
		Await:     req.Await,
	})
	if err != nil {
		switch {
		case errors.Is(err, dialer.ErrDuplicateDial):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "a call to this destination is already in flight", "call_id": res.CallID,
			})
		case errors.Is(err, ledger.ErrInsufficientCredits):
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
		case errors.Is(err, dialer.ErrConfig):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.Log.Error("call submission failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call submission failed"})
		}
		return
	}

	status := http.StatusAccepted
	if req.Await {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// GetCall returns a call record with its full event history.
func (h Handlers) GetCall(c *gin.Context) {
	rec, err := h.Store.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		h.Log.Error("call lookup failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// --- Credits ---

// GetBalance returns the org's credit balance. An org that never posted
// an entry reads as zero, not as missing.
func (h Handlers) GetBalance(c *gin.Context) {
	orgID := c.Param("org_id")
	bal, err := h.Ledger.GetBalance(c.Request.Context(), orgID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusOK, ledger.Balance{OrgID: orgID})
			return
		}
		if errors.Is(err, ledger.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "org_id required"})
			return
		}
		h.Log.Error("balance lookup failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

type addCreditsRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// AddCredits posts a top-up. Retries with the same idempotency key
// return the original entry and post nothing.
func (h Handlers) AddCredits(c *gin.Context) {
	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	entry, bal, err := h.Ledger.Credit(c.Request.Context(), c.Param("org_id"), ledger.PostRequest{
		AmountMinor:    req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "positive amount_minor and idempotency_key required",
			})
			return
		}
		h.Log.Error("credit post failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credit post failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "balance": bal})
}

// --- Reports ---

// CallsReport aggregates call metrics over a time range
// (?from=RFC3339&to=RFC3339, optional &agent_id=).
func (h Handlers) CallsReport(c *gin.Context) {
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	sum, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		OrgID:   c.Param("org_id"),
		AgentID: c.Query("agent_id"),
		Range:   rng,
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "org_id and a valid range required"})
			return
		}
		h.Log.Error("calls report failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// SpendReport aggregates ledger spend over a time range.
func (h Handlers) SpendReport(c *gin.Context) {
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	sum, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		OrgID: c.Param("org_id"),
		Range: rng,
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "org_id and a valid range required"})
			return
		}
		h.Log.Error("spend report failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// LiveReport returns the in-memory snapshot of the org's current calls.
func (h Handlers) LiveReport(c *gin.Context) {
	c.JSON(http.StatusOK, h.Tracker.Snapshot(c.Param("org_id")))
}

func parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 timestamps"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}
