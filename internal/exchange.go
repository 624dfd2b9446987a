package internal

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vadiminshakov/exledger/config"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/events"
	"github.com/vadiminshakov/exledger/internal/services/custody"
	"github.com/vadiminshakov/exledger/internal/services/gateway"
	"github.com/vadiminshakov/exledger/internal/services/ledger"
	"github.com/vadiminshakov/exledger/internal/services/registry"
	"github.com/vadiminshakov/exledger/internal/storage/ledgerstate"
	"github.com/vadiminshakov/exledger/internal/storage/simstate"
	"github.com/vadiminshakov/exledger/internal/storage/transferjournal"
	"github.com/vadiminshakov/exledger/internal/storage/walstore"
	"github.com/vadiminshakov/exledger/internal/web"
)

const eventBuffer = 256

// custodian is a gateway custodian with a known custody address.
type custodian interface {
	gateway.Custodian
	Address() common.Address
}

// Exchange is the assembled ledger service.
type Exchange struct {
	logger   *zap.Logger
	cfg      config.Config
	wal      *walstore.Store
	ledger   *ledger.Ledger
	journal  *transferjournal.Journal
	registry *registry.Registry
	events   *events.Broadcaster
	gateway  *gateway.Gateway
	custody  custodian
	// chain is set in simulate mode only.
	chain *custody.Chain
}

// NewExchange builds the exchange from cfg and resolves transfers a previous run left unfinished.
func NewExchange(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Exchange, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg, err := registry.New(cfg.TokenMap())
	if err != nil {
		return nil, errors.Wrap(err, "failed to build asset registry")
	}

	fees, err := domain.NewFeeConfig(cfg.FeeAccount, cfg.FeePercent)
	if err != nil {
		return nil, err
	}

	wal, err := walstore.Open(cfg.WalDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open exchange wal")
	}

	e := &Exchange{
		logger:   logger,
		cfg:      cfg,
		wal:      wal,
		registry: reg,
		events:   events.NewBroadcaster(eventBuffer),
	}

	if err := e.build(ctx, fees); err != nil {
		return nil, multierr.Append(err, wal.Close())
	}

	logger.Info("exchange started",
		zap.String("mode", string(cfg.Mode)),
		zap.String("custody", e.custody.Address().Hex()),
		zap.String("fee_account", fees.Account.Hex()),
		zap.Uint64("fee_percent", fees.Percent),
		zap.Int("tokens", len(cfg.Tokens)))

	return e, nil
}

func (e *Exchange) build(ctx context.Context, fees domain.FeeConfig) error {
	var err error

	e.ledger, err = ledger.New(e.logger.Named("ledger"), fees, ledgerstate.NewStore(e.wal))
	if err != nil {
		return errors.Wrap(err, "failed to restore ledger")
	}

	e.journal, err = transferjournal.Open(e.wal)
	if err != nil {
		return errors.Wrap(err, "failed to restore transfer journal")
	}

	e.custody, err = e.newCustodian(ctx)
	if err != nil {
		return err
	}

	eventLog := e.logger.Named("events")
	e.events.Observe(events.ObserverFunc(func(ev domain.Event) {
		eventLog.Info("ledger event",
			zap.String("kind", string(ev.Kind)),
			zap.String("asset", ev.Asset.String()),
			zap.String("account", ev.Account.Hex()),
			zap.String("amount", ev.Amount.Dec()),
			zap.String("balance", ev.Balance.Dec()),
			zap.String("intent", ev.IntentID))
	}))

	e.gateway, err = gateway.New(e.logger.Named("gateway"), e.ledger, e.custody,
		gateway.WithJournal(e.journal),
		gateway.WithPublisher(e.events))
	if err != nil {
		return err
	}

	if err := e.gateway.Recover(ctx); err != nil {
		return errors.Wrap(err, "failed to recover unfinished transfers")
	}

	return nil
}

// newCustodian is the single dispatch point from the configured mode to a custodian.
func (e *Exchange) newCustodian(ctx context.Context) (custodian, error) {
	switch e.cfg.Mode {
	case config.ModeSimulate:
		store, err := simstate.NewStore(e.cfg.StateDir, "chain")
		if err != nil {
			return nil, err
		}
		chain, err := custody.NewChain(e.logger.Named("chain"), e.cfg.CustodyAddress, store)
		if err != nil {
			return nil, err
		}
		for _, t := range e.cfg.Tokens {
			if err := chain.DeployToken(t.Address); err != nil {
				return nil, errors.Wrapf(err, "failed to deploy simulated token %s", t.Symbol)
			}
		}
		e.chain = chain
		return chain, nil
	case config.ModeEVM:
		key := os.Getenv(e.cfg.CustodyKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%s environment variable must be set in evm mode", e.cfg.CustodyKeyEnv)
		}
		evm, err := custody.DialEVM(ctx, e.logger.Named("evm"), e.cfg.RPCURL, key, nil)
		if err != nil {
			return nil, err
		}
		if e.cfg.ChainID != 0 && evm.ChainID().Uint64() != e.cfg.ChainID {
			return nil, fmt.Errorf("node at %s serves chain %s, config expects %d", e.cfg.RPCURL, evm.ChainID(), e.cfg.ChainID)
		}
		return evm, nil
	default:
		return nil, fmt.Errorf("unsupported mode: %s", e.cfg.Mode)
	}
}

// Gateway returns the transfer entry points.
func (e *Exchange) Gateway() *gateway.Gateway {
	return e.gateway
}

// Registry returns the asset registry.
func (e *Exchange) Registry() *registry.Registry {
	return e.registry
}

// Events returns the event broadcaster.
func (e *Exchange) Events() *events.Broadcaster {
	return e.events
}

// Chain returns the simulated chain, nil in evm mode.
func (e *Exchange) Chain() *custody.Chain {
	return e.chain
}

// CustodyAddress returns the address holding custodied assets.
func (e *Exchange) CustodyAddress() common.Address {
	return e.custody.Address()
}

// Decimals returns the display decimals of asset.
func (e *Exchange) Decimals(asset domain.Asset) int32 {
	if asset.IsNative() {
		return 18
	}
	return e.cfg.Decimals(asset.Address)
}

// Serve runs the query and event stream API until ctx is cancelled.
func (e *Exchange) Serve(ctx context.Context) error {
	srv := web.NewServer(e.cfg.HTTPAddr, e.logger.Named("web"), e.gateway, e.registry, e.events)
	if len(e.cfg.TLSDomains) > 0 {
		return srv.StartWithAutoTLS(ctx, e.cfg.TLSDomains, e.cfg.CertCacheDir)
	}
	return srv.Start(ctx)
}

// Close flushes and closes the write-ahead log.
func (e *Exchange) Close() error {
	return e.wal.Close()
}
