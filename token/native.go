package token

import (
	"fmt"
	"math/big"
	"sync"
)

// NativeLedger tracks native-value balances, separate from any token asset.
type NativeLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
}

func NewNativeLedger() *NativeLedger {
	return &NativeLedger{balances: make(map[string]*big.Int)}
}

// Credit deposits native value to owner.
func (n *NativeLedger) Credit(owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if bal, ok := n.balances[owner]; ok {
		bal.Add(bal, amount)
	} else {
		n.balances[owner] = new(big.Int).Set(amount)
	}
	return nil
}

func (n *NativeLedger) BalanceOf(owner string) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if bal, ok := n.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Send moves native value between identities, failing on short balance.
func (n *NativeLedger) Send(from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	bal := n.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("token: native send %s -> %s: %w", from, to, ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	if dst, ok := n.balances[to]; ok {
		dst.Add(dst, amount)
	} else {
		n.balances[to] = new(big.Int).Set(amount)
	}
	return nil
}

// Account returns a NativeAccount bound to owner.
func (n *NativeLedger) Account(owner string) NativeAccount {
	return &boundAccount{ledger: n, owner: owner}
}

type boundAccount struct {
	ledger *NativeLedger
	owner  string
}

func (a *boundAccount) Balance() *big.Int {
	return a.ledger.BalanceOf(a.owner)
}

func (a *boundAccount) Send(to string, amount *big.Int) error {
	return a.ledger.Send(a.owner, to, amount)
}
