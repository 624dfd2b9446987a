package gateway

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errInterrupted = errors.New("interrupted before completion")

// Recover resolves intents a crash left unfinished. Call it once before serving requests.
func (g *Gateway) Recover(ctx context.Context) error {
	var errs error

	for _, intent := range g.journal.Unfinished() {
		log := g.l.With(
			zap.String("intent", intent.ID),
			zap.String("kind", string(intent.Kind)),
			zap.String("status", string(intent.Status)),
			zap.String("asset", intent.Asset.String()),
			zap.String("account", intent.Account.Hex()),
			zap.String("amount", intent.Amount.Dec()))

		var err error
		switch intent.Kind {
		case domain.TransferDeposit:
			err = g.recoverDeposit(ctx, log, intent)
		case domain.TransferWithdraw:
			err = g.recoverWithdraw(log, intent)
		default:
			err = errors.Errorf("unknown transfer kind %q", intent.Kind)
		}
		if err != nil {
			log.Error("failed to recover transfer intent", zap.Error(err))
			errs = multierr.Append(errs, errors.Wrapf(err, "intent %s", intent.ID))
		}
	}

	return errs
}

func (g *Gateway) recoverDeposit(ctx context.Context, log *zap.Logger, intent *domain.TransferIntent) error {
	switch {
	case g.ledger.Applied(intent.ID):
		log.Info("deposit was credited, committing")
		return g.journal.MarkCommitted(intent)
	case intent.Status == domain.IntentCustodyMoved:
		log.Warn("deposit reached custody but was never credited, returning funds")
		if err := g.moveOut(ctx, intent.Asset, intent.Account, intent.Amount); err != nil {
			return errors.Wrap(err, "return deposit")
		}
		return g.journal.MarkReverted(intent, errInterrupted)
	default:
		log.Warn("deposit never reached custody, reverting")
		return g.journal.MarkReverted(intent, errInterrupted)
	}
}

func (g *Gateway) recoverWithdraw(log *zap.Logger, intent *domain.TransferIntent) error {
	switch {
	case intent.Status == domain.IntentCustodyMoved:
		log.Info("withdraw was released, committing")
		return g.journal.MarkCommitted(intent)
	case g.ledger.Applied(intent.ID) && !g.ledger.Applied(intent.RollbackRef()):
		log.Warn("withdraw was debited but release is unconfirmed, crediting back")
		if _, err := g.ledger.Credit(intent.RollbackRef(), intent.Asset, intent.Account, intent.Amount); err != nil {
			return errors.Wrap(err, "roll back withdraw debit")
		}
		return g.journal.MarkReverted(intent, errInterrupted)
	default:
		log.Warn("withdraw has nothing to undo, reverting")
		return g.journal.MarkReverted(intent, errInterrupted)
	}
}
