package gateway

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/vadiminshakov/exledger/internal/domain"
)

type nopJournal struct{}

func (nopJournal) Prepare(kind domain.TransferKind, asset domain.Asset, account common.Address, amount *uint256.Int, at time.Time) (*domain.TransferIntent, error) {
	return &domain.TransferIntent{
		ID:      uuid.New().String(),
		Kind:    kind,
		Asset:   asset,
		Account: account,
		Amount:  amount.Clone(),
		Status:  domain.IntentPending,
		Time:    at,
	}, nil
}

func (nopJournal) MarkCustodyMoved(intent *domain.TransferIntent) error {
	intent.Status = domain.IntentCustodyMoved
	return nil
}

func (nopJournal) MarkCommitted(intent *domain.TransferIntent) error {
	intent.Status = domain.IntentCommitted
	return nil
}

func (nopJournal) MarkReverted(intent *domain.TransferIntent, cause error) error {
	intent.Status = domain.IntentReverted
	if cause != nil {
		intent.Error = cause.Error()
	}
	return nil
}

func (nopJournal) Unfinished() []*domain.TransferIntent {
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}
