package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"custodia/audit"
	"custodia/registry"
	"custodia/token"
)

type fixture struct {
	ledger *token.Ledger
	reg    *registry.Registry
	log    *audit.MemoryLog
	now    time.Time
	esc    *Escrow
}

const (
	admin = "admin-1"
	judge = "judge-1"
	payer = "payer-1"
	payee = "payee-1"
	vault = "vault-1"
)

func newFixture(t *testing.T, amount int64, feePercent int) *fixture {
	t.Helper()

	f := &fixture{
		ledger: token.NewLedger("std"),
		reg:    registry.New(admin),
		log:    audit.NewMemoryLog(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := f.reg.Grant(admin, registry.RoleJudge, judge); err != nil {
		t.Fatalf("grant judge: %v", err)
	}

	esc, err := New(Params{
		ID:              "escrow-1",
		TokenKind:       "std",
		Token:           f.ledger,
		Payer:           payer,
		Payee:           payee,
		Vault:           vault,
		FeePercent:      feePercent,
		DueDate:         f.now.Add(24 * time.Hour),
		DisputeDeadline: f.now.Add(24 * time.Hour).Add(72 * time.Hour),
		Roles:           f.reg.Snapshot(),
		Audit:           f.log,
		Clock:           func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new escrow: %v", err)
	}
	f.esc = esc

	if err := f.ledger.Mint(payer, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.ledger.Transfer(payer, esc.ID(), big.NewInt(amount)); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	return f
}

func (f *fixture) advancePastDueDate()  { f.now = f.esc.DueDate().Add(time.Minute) }
func (f *fixture) advancePastDeadline() { f.now = f.esc.DisputeDeadline().Add(time.Minute) }

func (f *fixture) balance(id string) *big.Int { return f.ledger.BalanceOf(id) }

func TestNewRejectsBadParams(t *testing.T) {
	reg := registry.New(admin)
	if err := reg.Grant(admin, registry.RoleJudge, judge); err != nil {
		t.Fatalf("grant: %v", err)
	}
	now := time.Now()
	base := Params{
		ID:              "e",
		Token:           token.NewLedger("std"),
		Payer:           payer,
		Payee:           payee,
		Vault:           vault,
		FeePercent:      10,
		DueDate:         now.Add(time.Hour),
		DisputeDeadline: now.Add(2 * time.Hour),
		Roles:           reg,
	}

	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"fee too low", func(p *Params) { p.FeePercent = 0 }},
		{"fee too high", func(p *Params) { p.FeePercent = 99 }},
		{"deadline before due date", func(p *Params) { p.DisputeDeadline = p.DueDate.Add(-time.Minute) }},
		{"deadline equals due date", func(p *Params) { p.DisputeDeadline = p.DueDate }},
		{"no judges", func(p *Params) { p.Roles = registry.New(admin) }},
		{"missing payee", func(p *Params) { p.Payee = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			if _, err := New(p); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}

	for fee := 1; fee <= 98; fee++ {
		p := base
		p.FeePercent = fee
		if _, err := New(p); err != nil {
			t.Fatalf("fee %d should be accepted: %v", fee, err)
		}
	}
}

func TestClaimScenario(t *testing.T) {
	f := newFixture(t, 1000, 10)
	ctx := context.Background()

	f.advancePastDeadline()
	if err := f.esc.Claim(ctx, payee); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if got := f.balance(vault); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("vault: expected 100, got %s", got)
	}
	if got := f.balance(payee); got.Cmp(big.NewInt(900)) != 0 {
		t.Errorf("payee: expected 900, got %s", got)
	}
	if got := f.esc.State(); got != StateReleased {
		t.Errorf("state: expected released, got %s", got)
	}
	if got := f.esc.Balance(); got.Sign() != 0 {
		t.Errorf("escrow balance not emptied: %s", got)
	}

	recs := f.log.ByKind(audit.KindClaimed)
	if len(recs) != 1 {
		t.Fatalf("expected 1 claim audit record, got %d", len(recs))
	}
	if recs[0].Actor != payee || recs[0].Fee.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("audit record incomplete: %+v", recs[0])
	}
}

func TestClaimGuards(t *testing.T) {
	f := newFixture(t, 1000, 10)
	ctx := context.Background()

	if err := f.esc.Claim(ctx, payer); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("payer claim: expected ErrNotAuthorized, got %v", err)
	}
	if err := f.esc.Claim(ctx, payee); !errors.Is(err, ErrWindowNotOpen) {
		t.Errorf("early claim: expected ErrWindowNotOpen, got %v", err)
	}

	f.now = f.esc.DisputeDeadline()
	if err := f.esc.Claim(ctx, payee); !errors.Is(err, ErrWindowNotOpen) {
		t.Errorf("claim at deadline: expected ErrWindowNotOpen, got %v", err)
	}

	// A dispute forecloses self-service settlement.
	f.now = f.esc.DueDate().Add(time.Minute)
	if err := f.esc.Dispute(ctx, payer); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	f.advancePastDeadline()
	if err := f.esc.Claim(ctx, payee); !errors.Is(err, ErrInvalidState) {
		t.Errorf("claim after dispute: expected ErrInvalidState, got %v", err)
	}
}

func TestDisputeWindow(t *testing.T) {
	f := newFixture(t, 1000, 10)
	ctx := context.Background()

	if err := f.esc.Dispute(ctx, payee); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("payee dispute: expected ErrNotAuthorized, got %v", err)
	}
	if err := f.esc.Dispute(ctx, payer); !errors.Is(err, ErrWindowNotOpen) {
		t.Errorf("dispute before due date: expected ErrWindowNotOpen, got %v", err)
	}

	f.now = f.esc.DueDate()
	if err := f.esc.Dispute(ctx, payer); !errors.Is(err, ErrWindowNotOpen) {
		t.Errorf("dispute at due date: expected ErrWindowNotOpen, got %v", err)
	}

	f.now = f.esc.DisputeDeadline()
	if err := f.esc.Dispute(ctx, payer); !errors.Is(err, ErrWindowClosed) {
		t.Errorf("dispute at deadline: expected ErrWindowClosed, got %v", err)
	}

	f.now = f.esc.DueDate().Add(time.Second)
	if err := f.esc.Dispute(ctx, payer); err != nil {
		t.Fatalf("dispute inside window: %v", err)
	}
	if got := f.esc.State(); got != StateDisputed {
		t.Errorf("state: expected disputed, got %s", got)
	}
	if err := f.esc.Dispute(ctx, payer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second dispute: expected ErrInvalidState, got %v", err)
	}
}

func TestReleaseByJudge(t *testing.T) {
	for _, disputed := range []bool{false, true} {
		name := "pending"
		if disputed {
			name = "disputed"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 1000, 10)
			ctx := context.Background()

			if disputed {
				f.advancePastDueDate()
				if err := f.esc.Dispute(ctx, payer); err != nil {
					t.Fatalf("dispute: %v", err)
				}
			}

			if err := f.esc.Release(ctx, payee); !errors.Is(err, ErrNotAuthorized) {
				t.Errorf("non-judge release: expected ErrNotAuthorized, got %v", err)
			}
			if err := f.esc.Release(ctx, judge); err != nil {
				t.Fatalf("release: %v", err)
			}
			if got := f.balance(vault); got.Cmp(big.NewInt(100)) != 0 {
				t.Errorf("vault: expected 100, got %s", got)
			}
			if got := f.balance(payee); got.Cmp(big.NewInt(900)) != 0 {
				t.Errorf("payee: expected 900, got %s", got)
			}
			if got := f.esc.State(); got != StateReleased {
				t.Errorf("state: expected released, got %s", got)
			}
		})
	}
}

func TestRefundReturnsFullBalance(t *testing.T) {
	f := newFixture(t, 1000, 10)
	ctx := context.Background()

	f.advancePastDueDate()
	if err := f.esc.Dispute(ctx, payer); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := f.esc.Refund(ctx, payer); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("payer refund: expected ErrNotAuthorized, got %v", err)
	}
	if err := f.esc.Refund(ctx, judge); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := f.balance(payer); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("payer: expected 1000 back, got %s", got)
	}
	if got := f.esc.State(); got != StateRefunded {
		t.Errorf("state: expected refunded, got %s", got)
	}
}

func TestCloseSweepsToVault(t *testing.T) {
	f := newFixture(t, 1000, 10)
	ctx := context.Background()

	if err := f.esc.Close(ctx, judge); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("judge close: expected ErrNotAuthorized, got %v", err)
	}
	if err := f.esc.Close(ctx, admin); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.balance(vault); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("vault: expected 1000, got %s", got)
	}
	if got := f.esc.State(); got != StateClosed {
		t.Errorf("state: expected closed, got %s", got)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	settles := map[string]func(*fixture, context.Context) error{
		"released": func(f *fixture, ctx context.Context) error { return f.esc.Release(ctx, judge) },
		"refunded": func(f *fixture, ctx context.Context) error { return f.esc.Refund(ctx, judge) },
		"closed":   func(f *fixture, ctx context.Context) error { return f.esc.Close(ctx, admin) },
	}
	for name, settle := range settles {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 1000, 10)
			ctx := context.Background()
			if err := settle(f, ctx); err != nil {
				t.Fatalf("settle: %v", err)
			}

			// Every further attempt with a correctly authorized actor must
			// fail on state, and balances must not move again.
			payeeBefore := f.balance(payee)
			payerBefore := f.balance(payer)
			vaultBefore := f.balance(vault)

			f.advancePastDeadline()
			attempts := []struct {
				name string
				call func() error
			}{
				{"release", func() error { return f.esc.Release(ctx, judge) }},
				{"claim", func() error { return f.esc.Claim(ctx, payee) }},
				{"refund", func() error { return f.esc.Refund(ctx, judge) }},
				{"close", func() error { return f.esc.Close(ctx, admin) }},
			}
			for _, a := range attempts {
				if err := a.call(); !errors.Is(err, ErrInvalidState) {
					t.Errorf("%s after terminal: expected ErrInvalidState, got %v", a.name, err)
				}
			}

			if f.balance(payee).Cmp(payeeBefore) != 0 ||
				f.balance(payer).Cmp(payerBefore) != 0 ||
				f.balance(vault).Cmp(vaultBefore) != 0 {
				t.Errorf("balances moved after terminal state")
			}
		})
	}
}

func TestFeeSplitExact(t *testing.T) {
	amounts := []int64{1, 5, 99, 100, 101, 999, 1000, 123456789}
	for _, amount := range amounts {
		for _, fee := range []int{1, 7, 10, 50, 98} {
			f := newFixture(t, amount, fee)
			if err := f.esc.Release(context.Background(), judge); err != nil {
				t.Fatalf("release amount=%d fee=%d: %v", amount, fee, err)
			}

			wantFee := amount * int64(fee) / 100
			gotFee := f.balance(vault)
			gotRest := f.balance(payee)
			if gotFee.Cmp(big.NewInt(wantFee)) != 0 {
				t.Errorf("amount=%d fee=%d: vault got %s, want %d", amount, fee, gotFee, wantFee)
			}
			sum := new(big.Int).Add(gotFee, gotRest)
			if sum.Cmp(big.NewInt(amount)) != 0 {
				t.Errorf("amount=%d fee=%d: fee+remainder=%s, want %d", amount, fee, sum, amount)
			}
		}
	}
}

func TestJudgeSnapshotSurvivesRegistryChanges(t *testing.T) {
	f := newFixture(t, 1000, 10)
	ctx := context.Background()

	// Revoking the judge in the live registry must not reach the agreement.
	if err := f.reg.Revoke(admin, registry.RoleJudge, judge); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.esc.Release(ctx, judge); err != nil {
		t.Fatalf("release with snapshot judge: %v", err)
	}
}

// blockingToken delegates to a ledger but rejects transfers to the named
// recipients, standing in for an external backend that refuses a payout.
type blockingToken struct {
	*token.Ledger
	blocked map[string]bool
}

func (bt *blockingToken) Transfer(from, to string, amount *big.Int) error {
	if bt.blocked[to] {
		return token.ErrTransferRejected
	}
	return bt.Ledger.Transfer(from, to, amount)
}

func TestRejectedPayoutReversesFeeLeg(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(admin)
	if err := reg.Grant(admin, registry.RoleJudge, judge); err != nil {
		t.Fatalf("grant: %v", err)
	}
	tok := &blockingToken{
		Ledger:  token.NewLedger("std"),
		blocked: map[string]bool{payee: true},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	esc, err := New(Params{
		ID:              "escrow-1",
		TokenKind:       "std",
		Token:           tok,
		Payer:           payer,
		Payee:           payee,
		Vault:           vault,
		FeePercent:      10,
		DueDate:         now.Add(24 * time.Hour),
		DisputeDeadline: now.Add(96 * time.Hour),
		Roles:           reg.Snapshot(),
		Clock:           func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new escrow: %v", err)
	}
	if err := tok.Mint(payer, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Ledger.Transfer(payer, esc.ID(), big.NewInt(1000)); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}

	if err := esc.Release(ctx, judge); !errors.Is(err, token.ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
	if esc.State() != StatePending {
		t.Errorf("state after failed payout: %s", esc.State())
	}
	if got := tok.BalanceOf(esc.ID()); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("escrow balance after failed payout: %s, want 1000", got)
	}
	if got := tok.BalanceOf(vault); got.Sign() != 0 {
		t.Errorf("vault kept the fee of a failed payout: %s", got)
	}

	// Once the backend accepts the payee again, a retry settles the full
	// original split.
	delete(tok.blocked, payee)
	if err := esc.Release(ctx, judge); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if got := tok.BalanceOf(vault); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("vault: %s, want 100", got)
	}
	if got := tok.BalanceOf(payee); got.Cmp(big.NewInt(900)) != 0 {
		t.Errorf("payee: %s, want 900", got)
	}
}

func TestAuditTrailPerTransition(t *testing.T) {
	f := newFixture(t, 1000, 10)
	ctx := context.Background()

	f.advancePastDueDate()
	if err := f.esc.Dispute(ctx, payer); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := f.esc.Release(ctx, judge); err != nil {
		t.Fatalf("release: %v", err)
	}

	recs := f.log.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(recs))
	}
	if recs[0].Kind != audit.KindDisputed || recs[1].Kind != audit.KindReleased {
		t.Errorf("unexpected record kinds: %s, %s", recs[0].Kind, recs[1].Kind)
	}
	for _, rec := range recs {
		if rec.EscrowID != f.esc.ID() || rec.Actor == "" || rec.At.IsZero() {
			t.Errorf("record missing identities: %+v", rec)
		}
	}
}
