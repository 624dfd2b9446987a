package gateway

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/services/custody"
	"github.com/vadiminshakov/exledger/internal/services/ledger"
	"github.com/vadiminshakov/exledger/internal/storage/ledgerstate"
	"github.com/vadiminshakov/exledger/internal/storage/transferjournal"
	"github.com/vadiminshakov/exledger/internal/storage/walstore"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errLedgerDown = errors.New("ledger unavailable")

// flakyLedger fails the next `failures` credits.
type flakyLedger struct {
	*ledger.Ledger
	failures int
}

func (f *flakyLedger) Credit(ref string, asset domain.Asset, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errLedgerDown
	}
	return f.Ledger.Credit(ref, asset, account, amount)
}

type compensationEnv struct {
	gw      *Gateway
	ledger  *flakyLedger
	journal *transferjournal.Journal
	chain   *custody.Chain
}

func newCompensationEnv(t *testing.T) *compensationEnv {
	wal, err := walstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	fees, err := domain.NewFeeConfig(feeAccount, 10)
	require.NoError(t, err)
	l, err := ledger.New(zap.NewNop(), fees, ledgerstate.NewStore(wal))
	require.NoError(t, err)
	j, err := transferjournal.Open(wal)
	require.NoError(t, err)

	chain, err := custody.NewChain(zap.NewNop(), custodyAddr, nil)
	require.NoError(t, err)
	require.NoError(t, chain.Fund(user1, ether(t, "10")))

	fl := &flakyLedger{Ledger: l}
	gw, err := New(zap.NewNop(), fl, chain, WithJournal(j))
	require.NoError(t, err)

	return &compensationEnv{gw: gw, ledger: fl, journal: j, chain: chain}
}

func (e *compensationEnv) assertConserved(t *testing.T) {
	t.Helper()
	assert.Equal(t, e.chain.Custodied(domain.NativeAsset), e.ledger.Total(domain.NativeAsset))
}

func rejectReleases(context.Context, custody.Transfer) error {
	return errors.New("recipient reverted")
}

func TestGateway_FailedDebitRollbackIsLeftForRecovery(t *testing.T) {
	ctx := context.Background()
	env := newCompensationEnv(t)
	amount := ether(t, "1")

	_, err := env.gw.DepositNative(ctx, user1, amount)
	require.NoError(t, err)

	env.chain.SetTransferHook(rejectReleases)
	env.ledger.failures = 1

	_, err = env.gw.WithdrawNative(ctx, user1, amount)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], domain.ErrTransferFailed)
	assert.ErrorIs(t, errs[1], errLedgerDown)

	unfinished := env.journal.Unfinished()
	require.Len(t, unfinished, 1)
	assert.Equal(t, domain.TransferWithdraw, unfinished[0].Kind)
	assert.Equal(t, domain.IntentPending, unfinished[0].Status)
	assert.True(t, env.gw.BalanceOf(domain.NativeAsset, user1).IsZero())
	assert.Equal(t, amount, env.chain.Custodied(domain.NativeAsset))

	require.NoError(t, env.gw.Recover(ctx))

	assert.Equal(t, domain.IntentReverted, unfinished[0].Status)
	assert.Empty(t, env.journal.Unfinished())
	assert.Equal(t, amount, env.gw.BalanceOf(domain.NativeAsset, user1))
	assert.Equal(t, ether(t, "9"), env.chain.NativeBalance(user1))
	env.assertConserved(t)
}

func TestGateway_FailedDepositReturnIsLeftForRecovery(t *testing.T) {
	ctx := context.Background()
	env := newCompensationEnv(t)
	amount := ether(t, "1")

	env.chain.SetTransferHook(rejectReleases)
	env.ledger.failures = 1

	_, err := env.gw.DepositNative(ctx, user1, amount)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], errLedgerDown)
	assert.ErrorIs(t, errs[1], domain.ErrTransferFailed)

	unfinished := env.journal.Unfinished()
	require.Len(t, unfinished, 1)
	assert.Equal(t, domain.IntentCustodyMoved, unfinished[0].Status)
	assert.True(t, env.gw.BalanceOf(domain.NativeAsset, user1).IsZero())
	assert.Equal(t, amount, env.chain.Custodied(domain.NativeAsset))

	// recipient still rejecting: recovery reports and keeps the intent
	err = env.gw.Recover(ctx)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	require.Len(t, env.journal.Unfinished(), 1)

	env.chain.SetTransferHook(nil)
	require.NoError(t, env.gw.Recover(ctx))

	assert.Equal(t, domain.IntentReverted, unfinished[0].Status)
	assert.Empty(t, env.journal.Unfinished())
	assert.Equal(t, ether(t, "10"), env.chain.NativeBalance(user1))
	env.assertConserved(t)
}
