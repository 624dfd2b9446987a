package domain

import "github.com/pkg/errors"

var (
	// ErrInvalidAsset asset classification does not match the entry point.
	ErrInvalidAsset = errors.New("invalid asset")
	// ErrInsufficientFunds debit exceeds the recorded balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOverflow credit would exceed the maximum representable amount.
	ErrOverflow = errors.New("balance overflow")
	// ErrTransferFailed external asset movement did not complete.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrReleaseKept recipient code failed but the released value could not be taken back.
	ErrReleaseKept = errors.New("released value kept by recipient")
	// ErrInvalidAmount amount is zero.
	ErrInvalidAmount = errors.New("invalid amount")
)
