package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind kind of ledger event.
type EventKind string

const (
	// EventDeposit funds entered custody and were credited.
	EventDeposit EventKind = "Deposit"
	// EventWithdraw funds were debited and released.
	EventWithdraw EventKind = "Withdraw"
)

// Event is emitted after a deposit or withdrawal commits.
type Event struct {
	Kind    EventKind
	Asset   Asset
	Account common.Address
	Amount  *uint256.Int
	// Balance is the account balance right after the mutation.
	Balance  *uint256.Int
	IntentID string
	Time     time.Time
}

// NewEvent creates a new Event.
func NewEvent(kind EventKind, asset Asset, account common.Address, amount, balance *uint256.Int, intentID string, at time.Time) Event {
	return Event{
		Kind:     kind,
		Asset:    asset,
		Account:  account,
		Amount:   amount.Clone(),
		Balance:  balance.Clone(),
		IntentID: intentID,
		Time:     at,
	}
}

// String returns a human-readable representation.
func (e Event) String() string {
	return fmt.Sprintf("%s asset: %s user: %s amount: %s balance: %s",
		e.Kind, e.Asset.String(), e.Account.Hex(), e.Amount.Dec(), e.Balance.Dec())
}
