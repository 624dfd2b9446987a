// Package gateway moves value in and out of custody and keeps the ledger in step with it.
// Every entry point either commits both the custody movement and the ledger mutation or
// neither.
package gateway

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/services/registry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Custodian performs the external asset movement. Every failure must wrap domain.ErrTransferFailed.
type Custodian interface {
	// AcceptNative settles the value attached to a native deposit into custody.
	AcceptNative(ctx context.Context, from common.Address, amount *uint256.Int) error
	// PullToken moves amount from owner into custody using a prior approval.
	PullToken(ctx context.Context, asset domain.Asset, from common.Address, amount *uint256.Int) error
	// ReleaseNative sends native value out of custody.
	ReleaseNative(ctx context.Context, to common.Address, amount *uint256.Int) error
	// ReleaseToken sends token units out of custody.
	ReleaseToken(ctx context.Context, asset domain.Asset, to common.Address, amount *uint256.Int) error
}

type balanceLedger interface {
	BalanceOf(asset domain.Asset, account common.Address) *uint256.Int
	CanCredit(asset domain.Asset, account common.Address, amount *uint256.Int) error
	Credit(ref string, asset domain.Asset, account common.Address, amount *uint256.Int) (*uint256.Int, error)
	Debit(ref string, asset domain.Asset, account common.Address, amount *uint256.Int) (*uint256.Int, error)
	Applied(ref string) bool
	FeeAccount() common.Address
	FeePercent() uint64
}

type intentJournal interface {
	Prepare(kind domain.TransferKind, asset domain.Asset, account common.Address, amount *uint256.Int, at time.Time) (*domain.TransferIntent, error)
	MarkCustodyMoved(intent *domain.TransferIntent) error
	MarkCommitted(intent *domain.TransferIntent) error
	MarkReverted(intent *domain.TransferIntent, cause error) error
	Unfinished() []*domain.TransferIntent
}

type publisher interface {
	Publish(e domain.Event)
}

// Gateway is a stateless coordinator over the ledger and a custodian.
type Gateway struct {
	l         *zap.Logger
	ledger    balanceLedger
	custodian Custodian
	journal   intentJournal
	publisher publisher
	now       func() time.Time
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithJournal records every operation in j.
func WithJournal(j intentJournal) Option {
	return func(g *Gateway) {
		g.journal = j
	}
}

// WithPublisher sends committed events to p.
func WithPublisher(p publisher) Option {
	return func(g *Gateway) {
		g.publisher = p
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New creates a gateway. Without WithJournal intents live only in memory.
func New(l *zap.Logger, ledger balanceLedger, custodian Custodian, opts ...Option) (*Gateway, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if ledger == nil {
		return nil, errors.New("ledger is required for Gateway")
	}
	if custodian == nil {
		return nil, errors.New("custodian is required for Gateway")
	}

	g := &Gateway{
		l:         l,
		ledger:    ledger,
		custodian: custodian,
		journal:   nopJournal{},
		publisher: nopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// BalanceOf returns the withdrawable balance of account in asset.
func (g *Gateway) BalanceOf(asset domain.Asset, account common.Address) *uint256.Int {
	return g.ledger.BalanceOf(asset, account)
}

// FeeAccount returns the account designated to receive fees.
func (g *Gateway) FeeAccount() common.Address {
	return g.ledger.FeeAccount()
}

// FeePercent returns the fee rate in percent.
func (g *Gateway) FeePercent() uint64 {
	return g.ledger.FeePercent()
}

// Receive handles native value sent outside DepositNative. It is always rejected.
func (g *Gateway) Receive(ctx context.Context, from common.Address, value *uint256.Int) error {
	g.l.Warn("rejected direct native transfer",
		zap.String("from", from.Hex()),
		zap.String("value", value.Dec()))

	return errors.Wrap(domain.ErrInvalidAsset, "native value must arrive through the native deposit entry point")
}

// DepositNative credits value that arrived with the call to account.
func (g *Gateway) DepositNative(ctx context.Context, account common.Address, value *uint256.Int) (domain.Event, error) {
	return g.deposit(ctx, registry.ShapeNative, domain.NativeAsset, account, value)
}

// DepositToken pulls amount of asset from account into custody and credits it.
func (g *Gateway) DepositToken(ctx context.Context, asset domain.Asset, account common.Address, amount *uint256.Int) (domain.Event, error) {
	return g.deposit(ctx, registry.ShapeToken, asset, account, amount)
}

// WithdrawNative debits amount of Ether and sends it to account.
func (g *Gateway) WithdrawNative(ctx context.Context, account common.Address, amount *uint256.Int) (domain.Event, error) {
	return g.withdraw(ctx, registry.ShapeNative, domain.NativeAsset, account, amount)
}

// WithdrawToken debits amount of asset and transfers it to account.
func (g *Gateway) WithdrawToken(ctx context.Context, asset domain.Asset, account common.Address, amount *uint256.Int) (domain.Event, error) {
	return g.withdraw(ctx, registry.ShapeToken, asset, account, amount)
}

func (g *Gateway) deposit(ctx context.Context, shape registry.Shape, asset domain.Asset, account common.Address, amount *uint256.Int) (domain.Event, error) {
	if err := validate(asset, shape, amount); err != nil {
		return domain.Event{}, err
	}
	// cheap rejection before anything moves; Credit re-checks under the ledger lock
	if err := g.ledger.CanCredit(asset, account, amount); err != nil {
		return domain.Event{}, err
	}

	intent, err := g.journal.Prepare(domain.TransferDeposit, asset, account, amount, g.now())
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "journal deposit")
	}
	log := g.l.With(
		zap.String("intent", intent.ID),
		zap.String("asset", asset.String()),
		zap.String("account", account.Hex()),
		zap.String("amount", amount.Dec()))

	if err := g.moveIn(ctx, asset, account, amount); err != nil {
		g.revert(log, intent, err)
		return domain.Event{}, err
	}

	if err := g.journal.MarkCustodyMoved(intent); err != nil {
		err = errors.Wrap(err, "journal deposit custody")
		if undoErr := g.undoMoveIn(ctx, log, intent); undoErr != nil {
			return domain.Event{}, multierr.Append(err, undoErr)
		}
		g.revert(log, intent, err)
		return domain.Event{}, err
	}

	balance, err := g.ledger.Credit(intent.ID, asset, account, amount)
	if err != nil {
		// the intent stays custody_moved so Recover returns the funds
		if undoErr := g.undoMoveIn(ctx, log, intent); undoErr != nil {
			return domain.Event{}, multierr.Append(err, undoErr)
		}
		g.revert(log, intent, err)
		return domain.Event{}, err
	}

	return g.commit(log, domain.EventDeposit, intent, balance), nil
}

func (g *Gateway) withdraw(ctx context.Context, shape registry.Shape, asset domain.Asset, account common.Address, amount *uint256.Int) (domain.Event, error) {
	if err := validate(asset, shape, amount); err != nil {
		return domain.Event{}, err
	}

	intent, err := g.journal.Prepare(domain.TransferWithdraw, asset, account, amount, g.now())
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "journal withdraw")
	}
	log := g.l.With(
		zap.String("intent", intent.ID),
		zap.String("asset", asset.String()),
		zap.String("account", account.Hex()),
		zap.String("amount", amount.Dec()))

	// debit before release: a re-entrant withdrawal during the release sees the reduced balance
	if _, err := g.ledger.Debit(intent.ID, asset, account, amount); err != nil {
		g.revert(log, intent, err)
		return domain.Event{}, err
	}

	if err := g.moveOut(ctx, asset, account, amount); err != nil {
		// the intent stays pending with the debit applied so Recover credits it back
		if undoErr := g.undoDebit(log, intent); undoErr != nil {
			return domain.Event{}, multierr.Append(err, undoErr)
		}
		g.revert(log, intent, err)
		return domain.Event{}, err
	}

	if err := g.journal.MarkCustodyMoved(intent); err != nil {
		// funds already left custody and the debit stands; recovery commits the intent
		log.Error("failed to journal withdraw custody", zap.Error(err))
	}

	// read again: the release may have run recipient code that moved this balance
	return g.commit(log, domain.EventWithdraw, intent, g.ledger.BalanceOf(asset, account)), nil
}

func (g *Gateway) moveIn(ctx context.Context, asset domain.Asset, account common.Address, amount *uint256.Int) error {
	if asset.IsNative() {
		return g.custodian.AcceptNative(ctx, account, amount)
	}
	return g.custodian.PullToken(ctx, asset, account, amount)
}

func (g *Gateway) moveOut(ctx context.Context, asset domain.Asset, account common.Address, amount *uint256.Int) error {
	var err error
	if asset.IsNative() {
		err = g.custodian.ReleaseNative(ctx, account, amount)
	} else {
		err = g.custodian.ReleaseToken(ctx, asset, account, amount)
	}
	if errors.Is(err, domain.ErrReleaseKept) {
		// the value left custody for good, so the release counts as done
		g.l.Error("recipient kept value after failing",
			zap.String("asset", asset.String()),
			zap.String("account", account.Hex()),
			zap.Error(err))
		return nil
	}
	return err
}

// undoMoveIn returns deposited value to the depositor. The caller's context may already be
// cancelled, so the compensation runs detached from it.
func (g *Gateway) undoMoveIn(ctx context.Context, log *zap.Logger, intent *domain.TransferIntent) error {
	if err := g.moveOut(context.WithoutCancel(ctx), intent.Asset, intent.Account, intent.Amount); err != nil {
		log.Error("failed to return deposit to depositor, leaving intent for recovery", zap.Error(err))
		return errors.Wrap(err, "return deposit")
	}
	return nil
}

func (g *Gateway) undoDebit(log *zap.Logger, intent *domain.TransferIntent) error {
	if _, err := g.ledger.Credit(intent.RollbackRef(), intent.Asset, intent.Account, intent.Amount); err != nil {
		log.Error("failed to roll back withdraw debit, leaving intent for recovery", zap.Error(err))
		return errors.Wrap(err, "roll back withdraw debit")
	}
	return nil
}

func (g *Gateway) revert(log *zap.Logger, intent *domain.TransferIntent, cause error) {
	if err := g.journal.MarkReverted(intent, cause); err != nil {
		log.Error("failed to journal revert", zap.Error(err))
	}
	log.Info("transfer reverted", zap.String("kind", string(intent.Kind)), zap.Error(cause))
}

func (g *Gateway) commit(log *zap.Logger, kind domain.EventKind, intent *domain.TransferIntent, balance *uint256.Int) domain.Event {
	if err := g.journal.MarkCommitted(intent); err != nil {
		// ledger and custody already agree, recovery finishes the record
		log.Error("failed to journal commit", zap.Error(err))
	}

	event := domain.NewEvent(kind, intent.Asset, intent.Account, intent.Amount, balance, intent.ID, g.now())
	g.publisher.Publish(event)

	log.Info("transfer committed",
		zap.String("kind", string(kind)),
		zap.String("balance", balance.Dec()))

	return event
}

func validate(asset domain.Asset, shape registry.Shape, amount *uint256.Int) error {
	if err := registry.Validate(asset, shape); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return errors.Wrap(domain.ErrInvalidAmount, "amount must be greater than zero")
	}
	return nil
}
