package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is the in-memory Ledger used by unit tests and the
// queue-less in-process mode. One mutex stands in for the per-account
// row lock.
type MemoryLedger struct {
	mu       sync.Mutex
	entries  map[string][]Entry // org_id -> entries
	balances map[string]Balance
	clock    func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries:  make(map[string][]Entry),
		balances: make(map[string]Balance),
		clock:    time.Now,
	}
}

func (l *MemoryLedger) SetClock(clock func() time.Time) { l.clock = clock }

func (l *MemoryLedger) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	if orgID == "" {
		return Balance{}, ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[orgID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return b, nil
}

func (l *MemoryLedger) CheckSufficient(ctx context.Context, orgID string, amountMinor int64) error {
	b, err := l.GetBalance(ctx, orgID)
	if err != nil {
		if err == ErrNotFound {
			return ErrInsufficientCredits
		}
		return err
	}
	if b.BalanceMinor < amountMinor {
		return ErrInsufficientCredits
	}
	return nil
}

func (l *MemoryLedger) Credit(ctx context.Context, orgID string, req PostRequest) (Entry, Balance, error) {
	if err := validatePostReq(orgID, req); err != nil {
		return Entry{}, Balance{}, err
	}
	return l.post(orgID, req, EntryTypeCredit, req.AmountMinor)
}

func (l *MemoryLedger) Debit(ctx context.Context, orgID string, req PostRequest) (Entry, Balance, error) {
	if err := validatePostReq(orgID, req); err != nil {
		return Entry{}, Balance{}, err
	}
	return l.post(orgID, req, EntryTypeDebit, -req.AmountMinor)
}

func (l *MemoryLedger) post(orgID string, req PostRequest, typ EntryType, deltaMinor int64) (Entry, Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries[orgID] {
		if e.IdempotencyKey == req.IdempotencyKey {
			return e, l.balances[orgID], nil
		}
	}

	bal := l.balances[orgID]
	if typ == EntryTypeDebit && bal.BalanceMinor+deltaMinor < 0 {
		return Entry{}, Balance{}, ErrInsufficientCredits
	}

	now := l.clock().UTC()
	entry := Entry{
		ID:             uuid.NewString(),
		OrgID:          orgID,
		Type:           typ,
		AmountMinor:    deltaMinor,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	l.entries[orgID] = append(l.entries[orgID], entry)
	bal.OrgID = orgID
	bal.BalanceMinor += deltaMinor
	bal.UpdatedAt = now
	l.balances[orgID] = bal
	return entry, bal, nil
}

// ListEntries returns an org's entries posted in [from, to), oldest
// first. Reporting reads spend through this.
func (l *MemoryLedger) ListEntries(ctx context.Context, orgID string, from, to time.Time) ([]Entry, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries[orgID] {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Entries returns a copy of an org's ledger (test helper).
func (l *MemoryLedger) Entries(orgID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries[orgID]))
	copy(out, l.entries[orgID])
	return out
}
