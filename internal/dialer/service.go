package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/ledger"
	"voiceagent-platform/internal/queue"

	"github.com/google/uuid"
)

// SubmitRequest is the API-facing dial request.
type SubmitRequest struct {
	OrgID    string `json:"org_id"`
	AgentID  string `json:"agent_id"`
	ToNumber string `json:"to_number"`

	Variables map[string]string `json:"variables,omitempty"`

	// Await blocks the submitter until the job finishes so the caller can
	// surface the conversation id.
	Await        bool          `json:"await,omitempty"`
	AwaitTimeout time.Duration `json:"-"`
}

// SubmitResult reports acceptance (and, when awaited, the outcome).
type SubmitResult struct {
	CallID string `json:"call_id"`
	JobID  string `json:"job_id,omitempty"`

	// Awaited results only.
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Service accepts dial submissions: guards, credit check, agent
// resolution, then queue (or in-process fallback when the queue is
// unavailable).
type Service struct {
	store     calls.Store
	ledger    ledger.Ledger
	estimator ledger.Estimator
	agents    AgentDirectory
	queue     queue.Queue
	replier   queue.Replier
	worker    *Worker
	log       *slog.Logger

	guardWindow time.Duration
	maxAttempts int
}

func NewService(
	store calls.Store,
	led ledger.Ledger,
	estimator ledger.Estimator,
	agents AgentDirectory,
	q queue.Queue,
	replier queue.Replier,
	worker *Worker,
	guardWindow time.Duration,
	maxAttempts int,
	log *slog.Logger,
) *Service {
	if guardWindow <= 0 {
		guardWindow = 60 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:       store,
		ledger:      led,
		estimator:   estimator,
		agents:      agents,
		queue:       q,
		replier:     replier,
		worker:      worker,
		log:         log,
		guardWindow: guardWindow,
		maxAttempts: maxAttempts,
	}
}

func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.OrgID == "" || req.AgentID == "" || req.ToNumber == "" {
		return SubmitResult{}, fmt.Errorf("%w: org_id, agent_id and to_number are required", ErrConfig)
	}

	// Duplicate-dial guard: one live call per (org, agent, destination)
	// inside the window.
	if _, found, err := s.store.FindRecentNonTerminal(ctx, req.OrgID, req.AgentID, req.ToNumber, s.guardWindow); err != nil {
		return SubmitResult{}, err
	} else if found {
		return SubmitResult{}, ErrDuplicateDial
	}

	if err := s.ledger.CheckSufficient(ctx, req.OrgID, s.estimator.EstimateCallCost()); err != nil {
		return SubmitResult{}, err
	}

	agent, err := s.agents.GetAgent(ctx, req.OrgID, req.AgentID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: agent lookup: %v", ErrConfig, err)
	}

	payload := JobPayload{
		CallID:      uuid.NewString(),
		OrgID:       req.OrgID,
		AgentID:     req.AgentID,
		ToNumber:    req.ToNumber,
		FromNumber:  agent.FromNumber,
		Provider:    agent.Provider,
		Config:      agent.Config,
		Credentials: agent.Credentials,
		Variables:   req.Variables,
	}

	job, err := queue.NewJob(JobTypeDial, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	job.MaxAttempt = s.maxAttempts
	if req.Await {
		job.ReplyTo = queue.NewReplyChannel()
	}

	if err := s.queue.Push(ctx, queue.DialQueue, job); err != nil {
		if !errors.Is(err, queue.ErrUnavailable) {
			return SubmitResult{}, err
		}
		// Queue down: run the same worker logic in-process.
		s.log.Warn("dial queue unavailable, running in-process", "call_id", payload.CallID)
		res, perr := s.worker.Process(ctx, payload)
		out := SubmitResult{
			CallID:         payload.CallID,
			ConversationID: res.ConversationID,
			Status:         res.Status,
		}
		return out, perr
	}

	out := SubmitResult{CallID: payload.CallID, JobID: job.ID}
	if !req.Await {
		return out, nil
	}

	timeout := req.AwaitTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	raw, err := s.replier.AwaitReply(ctx, job.ReplyTo, timeout)
	if err != nil {
		// The job is still running; acceptance stands.
		s.log.Warn("dial await timed out", "call_id", payload.CallID, "error", err)
		return out, nil
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return out, nil
	}
	out.ConversationID = res.ConversationID
	out.Status = res.Status
	if res.Error != "" {
		return out, errors.New(res.Error)
	}
	return out, nil
}
