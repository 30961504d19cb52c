package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voiceagent-platform/pkg/utils"

	"github.com/google/uuid"
)

// PostgresLedger stores entries and the balance projection in Postgres.
//
// Tables:
// - credit_ledger (immutable append-only), UNIQUE (org_id, idempotency_key)
// - credit_balances (projection), PRIMARY KEY (org_id)
//
// The balance row doubles as the per-account lock: every money operation
// locks it FOR UPDATE so concurrent posts for the same org serialize.
type PostgresLedger struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Ledger = (*PostgresLedger)(nil)

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, clock: time.Now}
}

func (l *PostgresLedger) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	if orgID == "" {
		return Balance{}, ErrInvalidArgument
	}
	const q = `
SELECT org_id, balance_minor, updated_at
FROM credit_balances
WHERE org_id = $1
`
	var b Balance
	if err := l.db.QueryRowContext(ctx, q, orgID).Scan(&b.OrgID, &b.BalanceMinor, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (l *PostgresLedger) CheckSufficient(ctx context.Context, orgID string, amountMinor int64) error {
	b, err := l.GetBalance(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInsufficientCredits
		}
		return err
	}
	if b.BalanceMinor < amountMinor {
		return ErrInsufficientCredits
	}
	return nil
}

// ListEntries returns an org's entries posted in [from, to), oldest
// first.
func (l *PostgresLedger) ListEntries(ctx context.Context, orgID string, from, to time.Time) ([]Entry, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	const q = `
SELECT id, org_id, type, amount_minor, external_ref, idempotency_key, metadata, created_at
FROM credit_ledger
WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`
	rows, err := l.db.QueryContext(ctx, q, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID,
			&e.OrgID,
			&e.Type,
			&e.AmountMinor,
			&e.ExternalRef,
			&e.IdempotencyKey,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Credit(ctx context.Context, orgID string, req PostRequest) (Entry, Balance, error) {
	if err := validatePostReq(orgID, req); err != nil {
		return Entry{}, Balance{}, err
	}
	return l.post(ctx, orgID, req, EntryTypeCredit, req.AmountMinor)
}

func (l *PostgresLedger) Debit(ctx context.Context, orgID string, req PostRequest) (Entry, Balance, error) {
	if err := validatePostReq(orgID, req); err != nil {
		return Entry{}, Balance{}, err
	}
	return l.post(ctx, orgID, req, EntryTypeDebit, -req.AmountMinor)
}

func (l *PostgresLedger) post(ctx context.Context, orgID string, req PostRequest, typ EntryType, deltaMinor int64) (Entry, Balance, error) {
	now := l.clock().UTC()
	entryID := uuid.NewString()

	var outEntry Entry
	var outBal Balance

	err := utils.WithTx(ctx, l.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		bal, err := lockBalance(ctx, tx, orgID, now)
		if err != nil {
			return err
		}

		// Idempotency: an existing entry for this key means the post
		// already happened; return it with the current balance.
		if existing, ok, err := findEntryByIdempotency(ctx, tx, orgID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outEntry = existing
			outBal = bal
			return nil
		}

		if typ == EntryTypeDebit && bal.BalanceMinor+deltaMinor < 0 {
			return ErrInsufficientCredits
		}

		entry := Entry{
			ID:             entryID,
			OrgID:          orgID,
			Type:           typ,
			AmountMinor:    deltaMinor,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}

		b, err := applyBalanceDelta(ctx, tx, orgID, deltaMinor, now)
		if err != nil {
			return err
		}
		outEntry = entry
		outBal = b
		return nil
	})

	return outEntry, outBal, err
}

// lockBalance upserts the account's balance row at zero if absent and
// locks it, serializing concurrent money operations per org.
func lockBalance(ctx context.Context, tx *sql.Tx, orgID string, now time.Time) (Balance, error) {
	const ensure = `
INSERT INTO credit_balances (org_id, balance_minor, updated_at)
VALUES ($1, 0, $2)
ON CONFLICT (org_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ensure, orgID, now); err != nil {
		return Balance{}, err
	}
	const q = `
SELECT org_id, balance_minor, updated_at
FROM credit_balances
WHERE org_id = $1
FOR UPDATE
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, orgID).Scan(&b.OrgID, &b.BalanceMinor, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func findEntryByIdempotency(ctx context.Context, tx *sql.Tx, orgID, key string) (Entry, bool, error) {
	const q = `
SELECT id, org_id, type, amount_minor, external_ref, idempotency_key, metadata, created_at
FROM credit_ledger
WHERE org_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e Entry
	err := tx.QueryRowContext(ctx, q, orgID, key).Scan(
		&e.ID,
		&e.OrgID,
		&e.Type,
		&e.AmountMinor,
		&e.ExternalRef,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e Entry) error {
	const q = `
INSERT INTO credit_ledger (
  id, org_id, type, amount_minor, external_ref, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.OrgID,
		e.Type,
		e.AmountMinor,
		e.ExternalRef,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, orgID string, deltaMinor int64, now time.Time) (Balance, error) {
	const q = `
UPDATE credit_balances
SET balance_minor = balance_minor + $2, updated_at = $3
WHERE org_id = $1
RETURNING org_id, balance_minor, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, orgID, deltaMinor, now).Scan(&b.OrgID, &b.BalanceMinor, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	return b, nil
}
