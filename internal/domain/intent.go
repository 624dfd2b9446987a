package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TransferKind direction of a transfer intent.
type TransferKind string

const (
	TransferDeposit  TransferKind = "deposit"
	TransferWithdraw TransferKind = "withdraw"
)

// IntentStatus progress of a transfer intent.
type IntentStatus string

const (
	// IntentPending recorded, nothing moved yet.
	IntentPending IntentStatus = "pending"
	// IntentCustodyMoved the external movement completed.
	IntentCustodyMoved IntentStatus = "custody_moved"
	// IntentCommitted ledger and custody agree; terminal.
	IntentCommitted IntentStatus = "committed"
	// IntentReverted every effect was undone; terminal.
	IntentReverted IntentStatus = "reverted"
)

// IsTerminal reports whether no further transition is possible.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentCommitted || s == IntentReverted
}

// TransferIntent journal record of one deposit or withdrawal.
type TransferIntent struct {
	ID      string
	Kind    TransferKind
	Asset   Asset
	Account common.Address
	Amount  *uint256.Int
	Status  IntentStatus
	Error   string
	Time    time.Time
}

// RollbackRef is the ledger reference used when undoing the intent's mutation.
func (t *TransferIntent) RollbackRef() string {
	return t.ID + "/rollback"
}
