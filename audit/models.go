package audit

import (
	"math/big"
	"time"
)

// Kind names the business event an audit record captures.
type Kind string

const (
	KindCreated  Kind = "escrow.created"
	KindDisputed Kind = "escrow.disputed"
	KindReleased Kind = "escrow.released"
	KindClaimed  Kind = "escrow.claimed"
	KindRefunded Kind = "escrow.refunded"
	KindClosed   Kind = "escrow.closed"

	KindVaultChanged  Kind = "factory.vault_changed"
	KindFeeChanged    Kind = "factory.fee_changed"
	KindWindowChanged Kind = "factory.window_changed"
	KindWithdrawn     Kind = "factory.withdrawn"
)

// Record is one append-only audit entry. Identity and amount fields are
// populated where the event has them; Detail carries event-specific extras
// such as previous/next parameter values.
type Record struct {
	Kind      Kind
	EscrowID  string
	Actor     string
	Payer     string
	Payee     string
	Vault     string
	TokenKind string
	Amount    *big.Int
	Fee       *big.Int
	Detail    map[string]any
	At        time.Time
}
