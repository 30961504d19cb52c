package calls

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by unit tests and by the
// queue-less in-process fallback path. The single mutex gives the same
// per-record serialization the Postgres store gets from row locks.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*CallRecord
	callbacks []Callback
	clock     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*CallRecord),
		clock:   time.Now,
	}
}

// SetClock makes time deterministic in tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryStore) Create(ctx context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneRecord(rec)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.records[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return cloneRecord(*rec), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findByExternalLocked(externalID)
	if rec == nil {
		return CallRecord{}, ErrNotFound
	}
	return cloneRecord(*rec), nil
}

func (s *MemoryStore) findByExternalLocked(externalID string) *CallRecord {
	if externalID == "" {
		return nil
	}
	for _, rec := range s.records {
		if rec.CarrierCallID == externalID || rec.ConversationID == externalID {
			return rec
		}
	}
	return nil
}

func (s *MemoryStore) SetCarrierCallID(ctx context.Context, id, carrierCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.CarrierCallID != "" && rec.CarrierCallID != carrierCallID {
		return ErrAlreadySet
	}
	rec.CarrierCallID = carrierCallID
	rec.UpdatedAt = s.clock().UTC()
	return nil
}

func (s *MemoryStore) SetConversationID(ctx context.Context, id, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.ConversationID != "" && rec.ConversationID != conversationID &&
		!strings.HasPrefix(rec.ConversationID, SIPPlaceholderPrefix) {
		return ErrAlreadySet
	}
	rec.ConversationID = conversationID
	rec.UpdatedAt = s.clock().UTC()
	return nil
}

func (s *MemoryStore) ApplyEvent(ctx context.Context, externalID string, ev WebhookEvent) (FoldResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findByExternalLocked(externalID)
	if rec == nil {
		return FoldResult{}, ErrNotFound
	}
	return s.applyLocked(rec, ev), nil
}

func (s *MemoryStore) ApplyEventByID(ctx context.Context, id string, ev WebhookEvent) (FoldResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return FoldResult{}, ErrNotFound
	}
	return s.applyLocked(rec, ev), nil
}

func (s *MemoryStore) applyLocked(rec *CallRecord, ev WebhookEvent) FoldResult {
	out := ApplyEvent(cloneRecord(*rec), ev)
	updated := cloneRecord(out.Record)
	*rec = updated
	out.Record = cloneRecord(updated)
	return out
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}
	now := s.clock().UTC()
	rec.Status = StatusFailed
	rec.ErrorReason = reason
	rec.ErrorPayload = append(json.RawMessage(nil), payload...)
	rec.EndedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FindRecentNonTerminal(ctx context.Context, orgID, agentID, toNumber string, window time.Duration) (CallRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock().UTC().Add(-window)
	for _, rec := range s.records {
		if rec.OrgID == orgID && rec.AgentID == agentID && rec.ToNumber == toNumber &&
			!rec.Status.Terminal() && rec.CreatedAt.After(cutoff) {
			return cloneRecord(*rec), true, nil
		}
	}
	return CallRecord{}, false, nil
}

func (s *MemoryStore) CreateCallback(ctx context.Context, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = s.clock().UTC()
	}
	s.callbacks = append(s.callbacks, cb)
	return nil
}

// Callbacks returns a copy of the stored callbacks (test helper).
func (s *MemoryStore) Callbacks() []Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Callback, len(s.callbacks))
	copy(out, s.callbacks)
	return out
}

func (s *MemoryStore) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.records {
		if rec.OrgID != orgID {
			continue
		}
		if rec.CreatedAt.Before(from) || rec.CreatedAt.After(to) {
			continue
		}
		out = append(out, cloneRecord(*rec))
	}
	return out, nil
}

func cloneRecord(rec CallRecord) CallRecord {
	cp := rec
	if rec.CostUSD != nil {
		v := *rec.CostUSD
		cp.CostUSD = &v
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		cp.StartedAt = &t
	}
	if rec.EndedAt != nil {
		t := *rec.EndedAt
		cp.EndedAt = &t
	}
	cp.Tags = append([]string(nil), rec.Tags...)
	cp.Events = append([]Event(nil), rec.Events...)
	cp.ErrorPayload = append(json.RawMessage(nil), rec.ErrorPayload...)
	return cp
}
