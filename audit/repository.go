package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLog appends audit records to the audit_events table.
type PGLog struct {
	pool *pgxpool.Pool
}

func NewPGLog(pool *pgxpool.Pool) *PGLog {
	return &PGLog{pool: pool}
}

func (p *PGLog) Append(ctx context.Context, rec Record) error {
	const insertSQL = `
		INSERT INTO audit_events (kind, escrow_id, actor, payer, payee, vault, token_kind, amount, fee, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10::jsonb,$11)
	`

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := p.pool.Exec(ctx, insertSQL,
		string(rec.Kind),
		nullable(rec.EscrowID),
		nullable(rec.Actor),
		nullable(rec.Payer),
		nullable(rec.Payee),
		nullable(rec.Vault),
		nullable(rec.TokenKind),
		numeric(rec.Amount),
		numeric(rec.Fee),
		detailJSON(rec.Detail),
		at,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// ListByEscrow returns the records for one agreement in append order.
func (p *PGLog) ListByEscrow(ctx context.Context, escrowID string) ([]Record, error) {
	const query = `
		SELECT kind, escrow_id, actor, payer, payee, vault, token_kind, amount::text, fee::text, detail, occurred_at
		FROM audit_events
		WHERE escrow_id = $1
		ORDER BY id
	`

	rows, err := p.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var (
			rec        Record
			kind       string
			escrow     *string
			actor      *string
			payer      *string
			payee      *string
			vault      *string
			tokenKind  *string
			amount     *string
			fee        *string
			detailBody []byte
		)
		if err := rows.Scan(&kind, &escrow, &actor, &payer, &payee, &vault, &tokenKind, &amount, &fee, &detailBody, &rec.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.EscrowID = deref(escrow)
		rec.Actor = deref(actor)
		rec.Payer = deref(payer)
		rec.Payee = deref(payee)
		rec.Vault = deref(vault)
		rec.TokenKind = deref(tokenKind)
		rec.Amount = parseNumeric(amount)
		rec.Fee = parseNumeric(fee)
		if len(detailBody) > 0 {
			if err := json.Unmarshal(detailBody, &rec.Detail); err != nil {
				return nil, fmt.Errorf("audit: decode detail: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return v
}

func detailJSON(detail map[string]any) *string {
	if len(detail) == 0 {
		return nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		panic(err)
	}
	s := string(b)
	return &s
}
