package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"custodia/audit"
	"custodia/registry"
	"custodia/token"
)

// State is the lifecycle position of one agreement.
type State string

const (
	StatePending  State = "pending"
	StateDisputed State = "disputed"
	StateReleased State = "released"
	StateRefunded State = "refunded"
	StateClosed   State = "closed"
)

// Terminal reports whether the state admits no further transition.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateClosed:
		return true
	default:
		return false
	}
}

var (
	// ErrNotAuthorized signals the actor lacks the role or identity the
	// action requires.
	ErrNotAuthorized = errors.New("escrow: not authorized")
	// ErrInvalidState signals the action is not valid in the current state.
	ErrInvalidState = errors.New("escrow: invalid state for action")
	// ErrWindowNotOpen signals the temporal guard has not opened yet.
	ErrWindowNotOpen = errors.New("escrow: window not yet open")
	// ErrWindowClosed signals the temporal guard has already closed.
	ErrWindowClosed = errors.New("escrow: window closed")
	// ErrReentrantCall signals a state-mutating entry point was invoked
	// while another one was still executing on the same agreement.
	ErrReentrantCall = errors.New("escrow: reentrant call rejected")
	// ErrInvalidParams signals the creation parameters violate an invariant.
	ErrInvalidParams = errors.New("escrow: invalid parameters")
)

// Clock supplies the authoritative time for temporal guards.
type Clock func() time.Time

// Params carries everything an agreement copies at creation. Fee percent,
// vault, and the role snapshot stay fixed for the agreement's lifetime no
// matter what the factory's live configuration does afterwards.
type Params struct {
	ID              string
	TokenKind       string
	Token           token.Token
	Payer           string
	Payee           string
	Vault           string
	FeePercent      int
	DueDate         time.Time
	DisputeDeadline time.Time
	Roles           *registry.Registry
	Audit           audit.Log
	Clock           Clock
}

// Escrow holds one custodied balance under a five-state lifecycle. The
// balance lives in the token ledger under the escrow's own ID.
type Escrow struct {
	id              string
	tokenKind       string
	tok             token.Token
	payer           string
	payee           string
	vault           string
	feePercent      int
	dueDate         time.Time
	disputeDeadline time.Time
	roles           *registry.Registry
	auditLog        audit.Log
	clock           Clock

	// entered is the per-instance non-reentrant lock. It is taken with a
	// compare-and-swap at every state-mutating entry point and released on
	// every exit path, so a disbursement hook that calls back in fails
	// instead of deadlocking or double-spending the read balance.
	entered atomic.Bool

	stateMu sync.RWMutex
	state   State
}

// New validates the copied parameters and returns a PENDING agreement.
func New(p Params) (*Escrow, error) {
	if p.ID == "" || p.Payer == "" || p.Payee == "" || p.Vault == "" {
		return nil, fmt.Errorf("%w: identities required", ErrInvalidParams)
	}
	if p.Token == nil {
		return nil, fmt.Errorf("%w: token backend required", ErrInvalidParams)
	}
	if p.FeePercent < 1 || p.FeePercent > 98 {
		return nil, fmt.Errorf("%w: fee percent %d out of range", ErrInvalidParams, p.FeePercent)
	}
	if !p.DueDate.Before(p.DisputeDeadline) {
		return nil, fmt.Errorf("%w: due date must precede dispute deadline", ErrInvalidParams)
	}
	if p.Roles == nil {
		return nil, fmt.Errorf("%w: role snapshot required", ErrInvalidParams)
	}
	if len(p.Roles.Members(registry.RoleJudge)) == 0 {
		return nil, fmt.Errorf("%w: judge snapshot empty", ErrInvalidParams)
	}
	if p.Audit == nil {
		p.Audit = audit.NewMemoryLog()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return &Escrow{
		id:              p.ID,
		tokenKind:       p.TokenKind,
		tok:             p.Token,
		payer:           p.Payer,
		payee:           p.Payee,
		vault:           p.Vault,
		feePercent:      p.FeePercent,
		dueDate:         p.DueDate,
		disputeDeadline: p.DisputeDeadline,
		roles:           p.Roles,
		auditLog:        p.Audit,
		clock:           p.Clock,
		state:           StatePending,
	}, nil
}

func (e *Escrow) ID() string                 { return e.id }
func (e *Escrow) TokenKind() string          { return e.tokenKind }
func (e *Escrow) Payer() string              { return e.payer }
func (e *Escrow) Payee() string              { return e.payee }
func (e *Escrow) Vault() string              { return e.vault }
func (e *Escrow) FeePercent() int            { return e.feePercent }
func (e *Escrow) DueDate() time.Time         { return e.dueDate }
func (e *Escrow) DisputeDeadline() time.Time { return e.disputeDeadline }

// Judges returns the judge snapshot taken at creation, in grant order.
func (e *Escrow) Judges() []string {
	return e.roles.Members(registry.RoleJudge)
}

// State returns the current lifecycle state.
func (e *Escrow) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Balance reads the custodied balance from the token ledger.
func (e *Escrow) Balance() *big.Int {
	return e.tok.BalanceOf(e.id)
}

// Dispute moves a PENDING agreement to DISPUTED. Only the payer may call
// it, and only strictly inside the open interval between the due date and
// the dispute deadline.
func (e *Escrow) Dispute(ctx context.Context, actor string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if actor != e.payer {
		return ErrNotAuthorized
	}
	if e.current() != StatePending {
		return ErrInvalidState
	}
	now := e.clock()
	if !now.After(e.dueDate) {
		return ErrWindowNotOpen
	}
	if !now.Before(e.disputeDeadline) {
		return ErrWindowClosed
	}

	e.setState(StateDisputed)
	return e.auditLog.Append(ctx, audit.Record{
		Kind:      audit.KindDisputed,
		EscrowID:  e.id,
		Actor:     actor,
		Payer:     e.payer,
		Payee:     e.payee,
		TokenKind: e.tokenKind,
		At:        now,
	})
}

// Release settles to the payee with the fee split. Any judge from the
// creation snapshot may call it while the agreement is PENDING or DISPUTED.
func (e *Escrow) Release(ctx context.Context, actor string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if !e.roles.HasRole(registry.RoleJudge, actor) {
		return ErrNotAuthorized
	}
	return e.settle(ctx, actor, audit.KindReleased)
}

// Claim is the payee's self-service settlement once the dispute window has
// elapsed uncontested. The disbursement is identical to Release.
func (e *Escrow) Claim(ctx context.Context, actor string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if actor != e.payee {
		return ErrNotAuthorized
	}
	if e.current() != StatePending {
		return ErrInvalidState
	}
	if !e.clock().After(e.disputeDeadline) {
		return ErrWindowNotOpen
	}
	return e.settle(ctx, actor, audit.KindClaimed)
}

// Refund returns the full balance to the payer. Any judge from the creation
// snapshot may call it while the agreement is PENDING or DISPUTED; the
// breadth is deliberate, judges hold full override authority.
func (e *Escrow) Refund(ctx context.Context, actor string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if !e.roles.HasRole(registry.RoleJudge, actor) {
		return ErrNotAuthorized
	}
	if e.current().Terminal() {
		return ErrInvalidState
	}

	now := e.clock()
	bal := e.Balance()
	if bal.Sign() > 0 {
		if err := e.tok.Transfer(e.id, e.payer, bal); err != nil {
			return fmt.Errorf("escrow: refund transfer: %w", err)
		}
	}
	e.setState(StateRefunded)
	return e.auditLog.Append(ctx, audit.Record{
		Kind:      audit.KindRefunded,
		EscrowID:  e.id,
		Actor:     actor,
		Payer:     e.payer,
		Payee:     e.payee,
		TokenKind: e.tokenKind,
		Amount:    bal,
		At:        now,
	})
}

// Close sweeps the full balance to the vault. Only an admin from the
// creation snapshot may call it while the agreement is not yet terminal.
func (e *Escrow) Close(ctx context.Context, actor string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if !e.roles.HasRole(registry.RoleAdmin, actor) {
		return ErrNotAuthorized
	}
	if e.current().Terminal() {
		return ErrInvalidState
	}

	now := e.clock()
	bal := e.Balance()
	if bal.Sign() > 0 {
		if err := e.tok.Transfer(e.id, e.vault, bal); err != nil {
			return fmt.Errorf("escrow: close transfer: %w", err)
		}
	}
	e.setState(StateClosed)
	return e.auditLog.Append(ctx, audit.Record{
		Kind:      audit.KindClosed,
		EscrowID:  e.id,
		Actor:     actor,
		Payer:     e.payer,
		Payee:     e.payee,
		Vault:     e.vault,
		TokenKind: e.tokenKind,
		Amount:    bal,
		At:        now,
	})
}

// settle performs the shared release/claim disbursement: one balance read,
// floor fee to the vault, remainder to the payee. Callers hold the entry
// lock and have authorized the actor; settle still enforces the state set.
// A failed payout reverses the fee leg so a retry recomputes the split on
// the untouched balance.
func (e *Escrow) settle(ctx context.Context, actor string, kind audit.Kind) error {
	if e.current().Terminal() {
		return ErrInvalidState
	}

	now := e.clock()
	bal := e.Balance()
	fee, remainder := feeSplit(bal, e.feePercent)
	if fee.Sign() > 0 {
		if err := e.tok.Transfer(e.id, e.vault, fee); err != nil {
			return fmt.Errorf("escrow: settle fee transfer: %w", err)
		}
	}
	if remainder.Sign() > 0 {
		if err := e.tok.Transfer(e.id, e.payee, remainder); err != nil {
			if fee.Sign() > 0 {
				if rerr := e.tok.Transfer(e.vault, e.id, fee); rerr != nil {
					return fmt.Errorf("escrow: settle payout transfer: %w (fee reversal failed: %v)", err, rerr)
				}
			}
			return fmt.Errorf("escrow: settle payout transfer: %w", err)
		}
	}
	e.setState(StateReleased)
	return e.auditLog.Append(ctx, audit.Record{
		Kind:      kind,
		EscrowID:  e.id,
		Actor:     actor,
		Payer:     e.payer,
		Payee:     e.payee,
		Vault:     e.vault,
		TokenKind: e.tokenKind,
		Amount:    remainder,
		Fee:       fee,
		At:        now,
	})
}

// feeSplit computes floor(balance * feePercent / 100) and the remainder.
// Truncation favors the payee.
func feeSplit(balance *big.Int, feePercent int) (fee, remainder *big.Int) {
	fee = new(big.Int).Mul(balance, big.NewInt(int64(feePercent)))
	fee.Div(fee, big.NewInt(100))
	remainder = new(big.Int).Sub(balance, fee)
	return fee, remainder
}

func (e *Escrow) begin() error {
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Escrow) end() {
	e.entered.Store(false)
}

func (e *Escrow) current() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Escrow) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}
