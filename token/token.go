package token

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidAmount signals a nil, zero, or negative transfer amount.
	ErrInvalidAmount = errors.New("token: amount must be positive")
	// ErrInsufficientBalance signals the source holds less than the amount.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance signals the spender authorization is too small.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrTransferRejected signals the backend refused the movement.
	ErrTransferRejected = errors.New("token: transfer rejected")
)

// Token moves fungible value between identities. Every method must report
// failure through its error return; a movement never silently no-ops.
type Token interface {
	BalanceOf(owner string) *big.Int
	Allowance(owner, spender string) *big.Int
	Transfer(from, to string, amount *big.Int) error
	TransferFrom(spender, from, to string, amount *big.Int) error
}

// NativeAccount is a bound handle on one identity's native-value balance.
type NativeAccount interface {
	Balance() *big.Int
	Send(to string, amount *big.Int) error
}

// FalsyToken is the shape of backends that report transfer failure with a
// false return instead of (or in addition to) an error.
type FalsyToken interface {
	BalanceOf(owner string) *big.Int
	Allowance(owner, spender string) *big.Int
	Transfer(from, to string, amount *big.Int) (bool, error)
	TransferFrom(spender, from, to string, amount *big.Int) (bool, error)
}

// Adapter wraps a FalsyToken so that a falsy return and a hard failure
// surface identically as ErrTransferRejected.
type Adapter struct {
	backend FalsyToken
}

func NewAdapter(backend FalsyToken) *Adapter {
	return &Adapter{backend: backend}
}

func (a *Adapter) BalanceOf(owner string) *big.Int {
	return a.backend.BalanceOf(owner)
}

func (a *Adapter) Allowance(owner, spender string) *big.Int {
	return a.backend.Allowance(owner, spender)
}

func (a *Adapter) Transfer(from, to string, amount *big.Int) error {
	ok, err := a.backend.Transfer(from, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferRejected, err)
	}
	if !ok {
		return ErrTransferRejected
	}
	return nil
}

func (a *Adapter) TransferFrom(spender, from, to string, amount *big.Int) error {
	ok, err := a.backend.TransferFrom(spender, from, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferRejected, err)
	}
	if !ok {
		return ErrTransferRejected
	}
	return nil
}
