package factory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"custodia/archive"
	"custodia/audit"
	"custodia/escrow"
	"custodia/registry"
	"custodia/token"
)

var (
	// ErrInvalidAmount signals a nil, zero, or negative deposit amount.
	ErrInvalidAmount = errors.New("factory: amount must be positive")
	// ErrNoJudges signals the judge role has no current members.
	ErrNoJudges = errors.New("factory: judge set is empty")
	// ErrInsufficientAllowance signals the payer pre-authorized less than
	// the deposit amount.
	ErrInsufficientAllowance = errors.New("factory: allowance below amount")
	// ErrUnknownToken signals an unregistered token kind.
	ErrUnknownToken = errors.New("factory: unknown token kind")
	// ErrNotAdmin signals the actor lacks the admin role.
	ErrNotAdmin = errors.New("factory: admin role required")
	// ErrUnchanged signals a parameter update carrying the current value.
	ErrUnchanged = errors.New("factory: value unchanged")
	// ErrNotFound signals no agreement exists under the handle.
	ErrNotFound = errors.New("factory: escrow not found")
	// ErrPartiesRequired signals a missing payer or payee identity.
	ErrPartiesRequired = errors.New("factory: payer and payee required")
)

// Deps bundles the collaborators a Factory consumes. Roles and Tokens are
// required; the rest default to no-op or in-memory implementations.
type Deps struct {
	Roles   *registry.Registry
	Tokens  map[string]token.Token
	Native  token.NativeAccount
	Audit   audit.Log
	Archive *archive.Store
	Clock   escrow.Clock
	Logger  *zap.Logger
}

// Factory owns the global settlement parameters and the arena of agreements
// it has instantiated. Agreements are indexed by opaque handles and, append
// only, by payer and payee identity.
type Factory struct {
	address  string
	roles    *registry.Registry
	tokens   map[string]token.Token
	native   token.NativeAccount
	auditLog audit.Log
	archives *archive.Store
	clock    escrow.Clock
	logger   *zap.Logger

	mu      sync.RWMutex
	cfg     Config
	arena   map[uuid.UUID]*escrow.Escrow
	byPayer map[string][]uuid.UUID
	byPayee map[string][]uuid.UUID
}

// New validates the configuration and builds a factory addressed by its own
// identity, which is the spender payers must pre-authorize.
func New(address string, cfg Config, deps Deps) (*Factory, error) {
	if address == "" {
		return nil, fmt.Errorf("factory: address required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Roles == nil {
		return nil, fmt.Errorf("factory: role registry required")
	}
	if len(deps.Tokens) == 0 {
		return nil, fmt.Errorf("factory: at least one token backend required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewMemoryLog()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	tokens := make(map[string]token.Token, len(deps.Tokens))
	for kind, tok := range deps.Tokens {
		tokens[kind] = tok
	}
	return &Factory{
		address:  address,
		roles:    deps.Roles,
		tokens:   tokens,
		native:   deps.Native,
		auditLog: deps.Audit,
		archives: deps.Archive,
		clock:    deps.Clock,
		logger:   deps.Logger,
		cfg:      cfg,
		arena:    make(map[uuid.UUID]*escrow.Escrow),
		byPayer:  make(map[string][]uuid.UUID),
		byPayee:  make(map[string][]uuid.UUID),
	}, nil
}

// Address is the identity payers grant transfer allowances to.
func (f *Factory) Address() string { return f.address }

// Config returns a copy of the current global parameters.
func (f *Factory) Config() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

// Judges returns the current judge-role membership, freshly sized.
func (f *Factory) Judges() []string {
	return f.roles.Members(registry.RoleJudge)
}

// CreateParams carries the caller-supplied agreement terms.
type CreateParams struct {
	Payee     string
	Amount    *big.Int
	TokenKind string
	Duration  time.Duration
}

// Create validates the preconditions, snapshots the judge set, instantiates
// a new escrow with copies of the current parameters, and moves the deposit
// from the payer into it. Nothing is registered if the funding transfer
// fails.
func (f *Factory) Create(ctx context.Context, payer string, params CreateParams) (uuid.UUID, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	if params.Duration <= 0 {
		return uuid.Nil, ErrInvalidDuration
	}
	if payer == "" || params.Payee == "" {
		return uuid.Nil, ErrPartiesRequired
	}

	f.mu.RLock()
	cfg := f.cfg
	tok, ok := f.tokens[params.TokenKind]
	f.mu.RUnlock()
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownToken, params.TokenKind)
	}

	snap := f.roles.Snapshot()
	if len(snap.Members(registry.RoleJudge)) == 0 {
		return uuid.Nil, ErrNoJudges
	}
	if tok.Allowance(payer, f.address).Cmp(params.Amount) < 0 {
		return uuid.Nil, ErrInsufficientAllowance
	}

	handle := uuid.New()
	now := f.clock()
	dueDate := now.Add(params.Duration)
	esc, err := escrow.New(escrow.Params{
		ID:              handle.String(),
		TokenKind:       params.TokenKind,
		Token:           tok,
		Payer:           payer,
		Payee:           params.Payee,
		Vault:           cfg.Vault,
		FeePercent:      cfg.FeePercent,
		DueDate:         dueDate,
		DisputeDeadline: dueDate.Add(cfg.DisputeWindow),
		Roles:           snap,
		Audit:           f.auditLog,
		Clock:           f.clock,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("factory: instantiate escrow: %w", err)
	}

	if err := tok.TransferFrom(f.address, payer, esc.ID(), params.Amount); err != nil {
		return uuid.Nil, fmt.Errorf("factory: fund escrow: %w", err)
	}

	f.mu.Lock()
	f.arena[handle] = esc
	f.byPayer[payer] = append(f.byPayer[payer], handle)
	f.byPayee[params.Payee] = append(f.byPayee[params.Payee], handle)
	f.mu.Unlock()

	f.logger.Info("escrow created",
		zap.String("escrow_id", esc.ID()),
		zap.String("payer", payer),
		zap.String("payee", params.Payee),
		zap.String("token_kind", params.TokenKind),
		zap.String("amount", params.Amount.String()),
		zap.Int("fee_percent", cfg.FeePercent),
	)
	if err := f.auditLog.Append(ctx, audit.Record{
		Kind:      audit.KindCreated,
		EscrowID:  esc.ID(),
		Actor:     payer,
		Payer:     payer,
		Payee:     params.Payee,
		Vault:     cfg.Vault,
		TokenKind: params.TokenKind,
		Amount:    new(big.Int).Set(params.Amount),
		Detail: map[string]any{
			"fee_percent":      cfg.FeePercent,
			"due_date":         dueDate,
			"dispute_deadline": dueDate.Add(cfg.DisputeWindow),
			"judges":           snap.Members(registry.RoleJudge),
		},
		At: now,
	}); err != nil {
		return handle, fmt.Errorf("factory: append audit: %w", err)
	}
	return handle, nil
}

// Get resolves a handle to its agreement.
func (f *Factory) Get(handle uuid.UUID) (*escrow.Escrow, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	esc, ok := f.arena[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

// ByPayer returns the handles of agreements the identity funded.
func (f *Factory) ByPayer(identity string) []uuid.UUID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]uuid.UUID(nil), f.byPayer[identity]...)
}

// ByPayee returns the handles of agreements payable to the identity.
func (f *Factory) ByPayee(identity string) []uuid.UUID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]uuid.UUID(nil), f.byPayee[identity]...)
}

// Dispute forwards the payer's dispute to the agreement.
func (f *Factory) Dispute(ctx context.Context, handle uuid.UUID, actor string) error {
	esc, err := f.Get(handle)
	if err != nil {
		return err
	}
	return esc.Dispute(ctx, actor)
}

// Release forwards a judge's release and archives the settled agreement.
func (f *Factory) Release(ctx context.Context, handle uuid.UUID, actor string) error {
	return f.transition(ctx, handle, func(esc *escrow.Escrow) error {
		return esc.Release(ctx, actor)
	})
}

// Claim forwards the payee's claim and archives the settled agreement.
func (f *Factory) Claim(ctx context.Context, handle uuid.UUID, actor string) error {
	return f.transition(ctx, handle, func(esc *escrow.Escrow) error {
		return esc.Claim(ctx, actor)
	})
}

// Refund forwards a judge's refund and archives the settled agreement.
func (f *Factory) Refund(ctx context.Context, handle uuid.UUID, actor string) error {
	return f.transition(ctx, handle, func(esc *escrow.Escrow) error {
		return esc.Refund(ctx, actor)
	})
}

// Close forwards the admin's close and archives the settled agreement.
func (f *Factory) Close(ctx context.Context, handle uuid.UUID, actor string) error {
	return f.transition(ctx, handle, func(esc *escrow.Escrow) error {
		return esc.Close(ctx, actor)
	})
}

func (f *Factory) transition(_ context.Context, handle uuid.UUID, fn func(*escrow.Escrow) error) error {
	esc, err := f.Get(handle)
	if err != nil {
		return err
	}
	if err := fn(esc); err != nil {
		return err
	}
	f.archiveTerminal(esc)
	return nil
}

// archiveTerminal persists the snapshot of a settled agreement. The
// transition has already committed; a failed archive write is logged, not
// propagated.
func (f *Factory) archiveTerminal(esc *escrow.Escrow) {
	if f.archives == nil {
		return
	}
	state := esc.State()
	if !state.Terminal() {
		return
	}
	snap := archive.Snapshot{
		ID:              esc.ID(),
		TokenKind:       esc.TokenKind(),
		Payer:           esc.Payer(),
		Payee:           esc.Payee(),
		Vault:           esc.Vault(),
		FeePercent:      esc.FeePercent(),
		State:           string(state),
		Judges:          esc.Judges(),
		DueDate:         esc.DueDate(),
		DisputeDeadline: esc.DisputeDeadline(),
		SettledAt:       f.clock(),
	}
	if err := f.archives.Save(snap); err != nil {
		f.logger.Warn("archive terminal escrow", zap.String("escrow_id", esc.ID()), zap.Error(err))
	}
}

// Withdraw sweeps the factory's accumulated native balance to the vault.
// This balance is distinct from any escrowed token balance.
func (f *Factory) Withdraw(ctx context.Context, actor string) error {
	if !f.roles.HasRole(registry.RoleAdmin, actor) {
		return ErrNotAdmin
	}
	if f.native == nil {
		return fmt.Errorf("factory: native account not configured")
	}
	bal := f.native.Balance()
	if bal.Sign() == 0 {
		return nil
	}
	vault := f.Config().Vault
	if err := f.native.Send(vault, bal); err != nil {
		return fmt.Errorf("factory: withdraw: %w", err)
	}
	return f.auditLog.Append(ctx, audit.Record{
		Kind:   audit.KindWithdrawn,
		Actor:  actor,
		Vault:  vault,
		Amount: bal,
		At:     f.clock(),
	})
}

// SetVault changes the fallback vault for subsequently created agreements.
func (f *Factory) SetVault(ctx context.Context, actor, vault string) error {
	if !f.roles.HasRole(registry.RoleAdmin, actor) {
		return ErrNotAdmin
	}
	if vault == "" {
		return ErrVaultRequired
	}
	f.mu.Lock()
	if vault == f.cfg.Vault {
		f.mu.Unlock()
		return ErrUnchanged
	}
	previous := f.cfg.Vault
	f.cfg.Vault = vault
	f.mu.Unlock()

	return f.auditLog.Append(ctx, audit.Record{
		Kind:   audit.KindVaultChanged,
		Actor:  actor,
		Vault:  vault,
		Detail: map[string]any{"previous": previous, "next": vault},
		At:     f.clock(),
	})
}

// SetFee changes the fee percent for subsequently created agreements.
func (f *Factory) SetFee(ctx context.Context, actor string, feePercent int) error {
	if !f.roles.HasRole(registry.RoleAdmin, actor) {
		return ErrNotAdmin
	}
	if feePercent < MinFeePercent || feePercent > MaxFeePercent {
		return fmt.Errorf("%w: %d", ErrInvalidFee, feePercent)
	}
	f.mu.Lock()
	if feePercent == f.cfg.FeePercent {
		f.mu.Unlock()
		return ErrUnchanged
	}
	previous := f.cfg.FeePercent
	f.cfg.FeePercent = feePercent
	f.mu.Unlock()

	return f.auditLog.Append(ctx, audit.Record{
		Kind:   audit.KindFeeChanged,
		Actor:  actor,
		Detail: map[string]any{"previous": previous, "next": feePercent},
		At:     f.clock(),
	})
}

// SetDisputeWindow changes the dispute window for subsequently created
// agreements.
func (f *Factory) SetDisputeWindow(ctx context.Context, actor string, window time.Duration) error {
	if !f.roles.HasRole(registry.RoleAdmin, actor) {
		return ErrNotAdmin
	}
	if window <= 0 {
		return fmt.Errorf("%w: dispute window %s", ErrInvalidDuration, window)
	}
	f.mu.Lock()
	if window == f.cfg.DisputeWindow {
		f.mu.Unlock()
		return ErrUnchanged
	}
	previous := f.cfg.DisputeWindow
	f.cfg.DisputeWindow = window
	f.mu.Unlock()

	return f.auditLog.Append(ctx, audit.Record{
		Kind:   audit.KindWindowChanged,
		Actor:  actor,
		Detail: map[string]any{"previous": previous.String(), "next": window.String()},
		At:     f.clock(),
	})
}
