package token

import (
	"fmt"
	"math/big"
	"sync"
)

// ReceiptHook runs after value is credited to the registered identity. The
// ledger invokes hooks outside its own lock, so a hook may call back into
// the ledger (or into an escrow, which is what the reentrancy guard on the
// escrow side exists to reject).
type ReceiptHook func(from, to string, amount *big.Int)

// Ledger is an in-process Token implementation for a single asset kind.
// Balances and allowances are tracked per identity; amounts are immutable
// big integers, never shared with callers.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int
	hooks      map[string]ReceiptHook
}

func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:     symbol,
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
		hooks:      make(map[string]ReceiptHook),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// Mint credits freshly issued value to owner.
func (l *Ledger) Mint(owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(owner, amount)
	return nil
}

// Approve authorizes spender to move up to amount from owner's balance.
// A zero amount clears the allowance.
func (l *Ledger) Approve(owner, spender string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]*big.Int)
	}
	l.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

func (l *Ledger) BalanceOf(owner string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (l *Ledger) Allowance(owner, spender string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if allowed, ok := l.allowances[owner][spender]; ok {
		return new(big.Int).Set(allowed)
	}
	return new(big.Int)
}

func (l *Ledger) Transfer(from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	if err := l.debit(from, amount); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("token: transfer %s -> %s: %w", from, to, err)
	}
	l.credit(to, amount)
	hook := l.hooks[to]
	l.mu.Unlock()

	if hook != nil {
		hook(from, to, new(big.Int).Set(amount))
	}
	return nil
}

func (l *Ledger) TransferFrom(spender, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	allowed := l.allowances[from][spender]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		l.mu.Unlock()
		return fmt.Errorf("token: transfer from %s by %s: %w", from, spender, ErrInsufficientAllowance)
	}
	if err := l.debit(from, amount); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("token: transfer from %s by %s: %w", from, spender, err)
	}
	allowed.Sub(allowed, amount)
	l.credit(to, amount)
	hook := l.hooks[to]
	l.mu.Unlock()

	if hook != nil {
		hook(from, to, new(big.Int).Set(amount))
	}
	return nil
}

// SetReceiptHook registers a callback fired whenever value is credited to
// identity. A nil hook removes the registration.
func (l *Ledger) SetReceiptHook(identity string, hook ReceiptHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hook == nil {
		delete(l.hooks, identity)
		return
	}
	l.hooks[identity] = hook
}

// TotalSupply sums all balances; the conservation oracle in the stress test
// checks it never drifts.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := new(big.Int)
	for _, bal := range l.balances {
		total.Add(total, bal)
	}
	return total
}

func (l *Ledger) credit(owner string, amount *big.Int) {
	if bal, ok := l.balances[owner]; ok {
		bal.Add(bal, amount)
		return
	}
	l.balances[owner] = new(big.Int).Set(amount)
}

func (l *Ledger) debit(owner string, amount *big.Int) error {
	bal := l.balances[owner]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	return nil
}
