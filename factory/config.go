package factory

import (
	"errors"
	"fmt"
	"time"
)

const (
	MinFeePercent = 1
	MaxFeePercent = 98

	DefaultFeePercent    = 10
	DefaultDisputeWindow = 72 * time.Hour
)

var (
	// ErrInvalidFee signals a fee percent outside [MinFeePercent, MaxFeePercent].
	ErrInvalidFee = errors.New("factory: fee percent out of range")
	// ErrInvalidDuration signals a non-positive duration or window.
	ErrInvalidDuration = errors.New("factory: duration must be positive")
	// ErrVaultRequired signals a missing vault identity.
	ErrVaultRequired = errors.New("factory: vault identity required")
)

// Config holds the global settlement parameters. Changing them affects only
// agreements created afterwards; every escrow copies the values it needs at
// creation.
type Config struct {
	Vault         string
	FeePercent    int
	DisputeWindow time.Duration
}

func DefaultConfig(vault string) Config {
	return Config{
		Vault:         vault,
		FeePercent:    DefaultFeePercent,
		DisputeWindow: DefaultDisputeWindow,
	}
}

func (c Config) Validate() error {
	if c.Vault == "" {
		return ErrVaultRequired
	}
	if c.FeePercent < MinFeePercent || c.FeePercent > MaxFeePercent {
		return fmt.Errorf("%w: %d", ErrInvalidFee, c.FeePercent)
	}
	if c.DisputeWindow <= 0 {
		return fmt.Errorf("%w: dispute window %s", ErrInvalidDuration, c.DisputeWindow)
	}
	return nil
}
