package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"claimrails/internal/domain"
)

// PostgresStore persists transfers and their audit trail in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS send_transfers (
    id TEXT PRIMARY KEY,
    transfer_id TEXT NOT NULL UNIQUE,
    sender TEXT NOT NULL,
    principal NUMERIC(38, 6) NOT NULL,
    sponsor_fee NUMERIC(38, 6) NOT NULL CHECK (sponsor_fee >= 0),
    total_locked NUMERIC(38, 6) NOT NULL,
    recipient_type TEXT NOT NULL,
    recipient_masked TEXT NOT NULL,
    recipient_hint_hash TEXT NOT NULL,
    encrypted_contact TEXT NOT NULL,
    funding_source TEXT NOT NULL,
    memo TEXT NOT NULL DEFAULT '',
    chain_id BIGINT NOT NULL,
    region TEXT NOT NULL,
    payout_methods TEXT[] NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    escrow_tx_hash TEXT NOT NULL DEFAULT '',
    release_tx_hash TEXT NOT NULL DEFAULT '',
    refund_tx_hash TEXT NOT NULL DEFAULT '',
    payout_method TEXT NOT NULL DEFAULT '',
    provider_reference TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CHECK (total_locked = principal + sponsor_fee)
);
CREATE INDEX IF NOT EXISTS send_transfers_expiry_idx ON send_transfers (expires_at)
    WHERE status IN ('PREPARED', 'LOCK_CONFIRMED', 'CLAIM_STARTED');
CREATE INDEX IF NOT EXISTS send_transfers_sender_day_idx ON send_transfers (sender, created_at);
CREATE TABLE IF NOT EXISTS send_transfer_events (
    seq BIGSERIAL PRIMARY KEY,
    transfer_id TEXT NOT NULL REFERENCES send_transfers (transfer_id),
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    reason TEXT NOT NULL,
    at TIMESTAMPTZ NOT NULL
);
`

const selectColumns = `
id, transfer_id, sender, principal::text, sponsor_fee::text, total_locked::text,
recipient_type, recipient_masked, recipient_hint_hash, encrypted_contact, funding_source, memo,
chain_id, region, payout_methods, expires_at, status, escrow_tx_hash, release_tx_hash,
refund_tx_hash, payout_method, provider_reference, failure_reason, version, created_at, updated_at`

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool so other stores can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Create(ctx context.Context, t *domain.Transfer) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO send_transfers (
    id, transfer_id, sender, principal, sponsor_fee, total_locked,
    recipient_type, recipient_masked, recipient_hint_hash, encrypted_contact, funding_source, memo,
    chain_id, region, payout_methods, expires_at, status, version, created_at, updated_at
) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12,
          $13, $14, $15, $16, $17, $18, $19, $20)
`, t.ID, key(t.TransferID), t.Sender, t.Principal.String(), t.SponsorFee.String(), t.TotalLocked.String(),
		t.RecipientType, t.RecipientMasked, t.RecipientHintHash, t.EncryptedContact, t.FundingSource, t.Memo,
		t.ChainID, t.Region, methodsToText(t.PayoutMethods), t.ExpiresAt, string(t.Status), t.Version,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, transferID string) (*domain.Transfer, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM send_transfers WHERE transfer_id = $1`, key(transferID))
	t, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound()
	}
	return t, err
}

// Update only touches the mutable columns; expires_at, recipient hash and
// amounts are never rewritten.
func (p *PostgresStore) Update(ctx context.Context, t *domain.Transfer, ev *domain.Event) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE send_transfers
SET status = $3,
    escrow_tx_hash = $4,
    release_tx_hash = $5,
    refund_tx_hash = $6,
    payout_method = $7,
    provider_reference = $8,
    failure_reason = $9,
    updated_at = $10,
    version = version + 1
WHERE transfer_id = $1 AND version = $2
`, key(t.TransferID), t.Version, string(t.Status), t.EscrowTxHash, t.ReleaseTxHash, t.RefundTxHash,
			string(t.PayoutMethod), t.ProviderReference, t.FailureReason, t.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		if ev != nil {
			if _, err := tx.Exec(ctx, `
INSERT INTO send_transfer_events (transfer_id, from_status, to_status, reason, at)
VALUES ($1, $2, $3, $4, $5)
`, key(ev.TransferID), string(ev.From), string(ev.To), ev.Reason, ev.At); err != nil {
				return err
			}
		}
		t.Version++
		return nil
	})
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Transfer, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM send_transfers
WHERE status IN ('PREPARED', 'LOCK_CONFIRMED', 'CLAIM_STARTED') AND expires_at < $1
ORDER BY expires_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func collectTransfers(rows pgx.Rows) ([]*domain.Transfer, error) {
	var out []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListPendingRefunds(ctx context.Context, limit int) ([]*domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM send_transfers
WHERE status = 'EXPIRED' AND escrow_tx_hash <> '' AND refund_tx_hash = '' AND release_tx_hash = ''
ORDER BY updated_at
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (p *PostgresStore) Events(ctx context.Context, transferID string) ([]domain.Event, error) {
	rows, err := p.pool.Query(ctx, `
SELECT transfer_id, from_status, to_status, reason, at
FROM send_transfer_events WHERE transfer_id = $1 ORDER BY seq`, key(transferID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var from, to string
		if err := rows.Scan(&ev.TransferID, &from, &to, &ev.Reason, &ev.At); err != nil {
			return nil, err
		}
		ev.From, ev.To = domain.TransferStatus(from), domain.TransferStatus(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DailyUsage(ctx context.Context, sender string, since time.Time) (decimal.Decimal, error) {
	var total string
	err := p.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(total_locked), 0)::text
FROM send_transfers
WHERE sender = $1 AND created_at >= $2 AND status NOT IN ('EXPIRED', 'REFUNDED')
`, sender, since).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t                                     domain.Transfer
		principal, fee, total, status, method string
		methods                               []string
	)
	err := row.Scan(&t.ID, &t.TransferID, &t.Sender, &principal, &fee, &total,
		&t.RecipientType, &t.RecipientMasked, &t.RecipientHintHash, &t.EncryptedContact, &t.FundingSource, &t.Memo,
		&t.ChainID, &t.Region, &methods, &t.ExpiresAt, &status, &t.EscrowTxHash, &t.ReleaseTxHash,
		&t.RefundTxHash, &method, &t.ProviderReference, &t.FailureReason, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for dst, src := range map[*decimal.Decimal]string{&t.Principal: principal, &t.SponsorFee: fee, &t.TotalLocked: total} {
		d, err := decimal.NewFromString(src)
		if err != nil {
			return nil, fmt.Errorf("scan amount %q: %w", src, err)
		}
		*dst = d
	}
	t.Status = domain.TransferStatus(status)
	t.PayoutMethod = domain.PayoutMethod(method)
	for _, m := range methods {
		t.PayoutMethods = append(t.PayoutMethods, domain.PayoutMethod(m))
	}
	return &t, nil
}

func methodsToText(in []domain.PayoutMethod) []string {
	out := make([]string, len(in))
	for i, m := range in {
		out[i] = string(m)
	}
	return out
}
