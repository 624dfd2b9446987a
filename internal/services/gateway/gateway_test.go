package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/events"
	"github.com/vadiminshakov/exledger/internal/services/custody"
	"github.com/vadiminshakov/exledger/internal/services/ledger"
	"github.com/vadiminshakov/exledger/internal/services/registry"
	"github.com/vadiminshakov/exledger/pkg/units"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	feeAccount  = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	user1       = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	user2       = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	custodyAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	tokenAddr   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	dapp        = domain.Token(tokenAddr)
	fixedNow    = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

type testEnv struct {
	gw     *Gateway
	ledger *ledger.Ledger
	chain  *custody.Chain
	events chan domain.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fees, err := domain.NewFeeConfig(feeAccount, 10)
	require.NoError(t, err)
	l, err := ledger.New(zap.NewNop(), fees, nil)
	require.NoError(t, err)

	chain, err := custody.NewChain(zap.NewNop(), custodyAddr, nil)
	require.NoError(t, err)
	require.NoError(t, chain.DeployToken(tokenAddr))
	require.NoError(t, chain.Fund(user1, ether(t, "10")))
	require.NoError(t, chain.Mint(tokenAddr, user1, tokens(t, "100")))

	broadcaster := events.NewBroadcaster(16)
	ch := broadcaster.Subscribe()
	t.Cleanup(func() { broadcaster.Unsubscribe(ch) })

	gw, err := New(zap.NewNop(), l, chain, WithPublisher(broadcaster), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	return &testEnv{gw: gw, ledger: l, chain: chain, events: ch}
}

func ether(t *testing.T, s string) *uint256.Int {
	v, err := units.Ether(s)
	require.NoError(t, err)
	return v
}

func tokens(t *testing.T, s string) *uint256.Int {
	v, err := units.Tokens(s, units.EtherDecimals)
	require.NoError(t, err)
	return v
}

func (e *testEnv) assertConserved(t *testing.T) {
	t.Helper()
	for _, asset := range []domain.Asset{domain.NativeAsset, dapp} {
		assert.Equal(t, e.chain.Custodied(asset), e.ledger.Total(asset), "custody of %s must match recorded balances", asset)
	}
}

func (e *testEnv) lastEvent(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-e.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return domain.Event{}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)

	fees, _ := domain.NewFeeConfig(feeAccount, 10)
	l, err := ledger.New(nil, fees, nil)
	require.NoError(t, err)
	_, err = New(nil, l, nil)
	assert.Error(t, err)
}

func TestGateway_Deployment(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, feeAccount, env.gw.FeeAccount())
	assert.Equal(t, uint64(10), env.gw.FeePercent())
}

func TestGateway_ReceiveRejected(t *testing.T) {
	env := newTestEnv(t)

	err := env.gw.Receive(context.Background(), user1, uint256.NewInt(1))
	require.ErrorIs(t, err, domain.ErrInvalidAsset)
	assert.True(t, env.gw.BalanceOf(domain.NativeAsset, user1).IsZero())
	env.assertConserved(t)
}

func TestGateway_DepositNative(t *testing.T) {
	env := newTestEnv(t)
	amount := ether(t, "1")

	ev, err := env.gw.DepositNative(context.Background(), user1, amount)
	require.NoError(t, err)

	assert.Equal(t, amount, env.gw.BalanceOf(domain.NativeAsset, user1))
	assert.Equal(t, ether(t, "9"), env.chain.NativeBalance(user1))

	published := env.lastEvent(t)
	for _, e := range []domain.Event{ev, published} {
		assert.Equal(t, domain.EventDeposit, e.Kind)
		assert.Equal(t, domain.NativeAsset, e.Asset)
		assert.Equal(t, user1, e.Account)
		assert.Equal(t, amount, e.Amount)
		assert.Equal(t, amount, e.Balance)
		assert.Equal(t, fixedNow, e.Time)
	}
	env.assertConserved(t)
}

func TestGateway_DepositNativeSingleUnit(t *testing.T) {
	env := newTestEnv(t)

	ev, err := env.gw.DepositNative(context.Background(), user1, uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(1), env.gw.BalanceOf(domain.NativeAsset, user1))
	assert.Equal(t, uint256.NewInt(1), ev.Amount)
	assert.Equal(t, uint256.NewInt(1), ev.Balance)
}

func TestGateway_WithdrawNative(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t)
		amount := ether(t, "1")
		_, err := env.gw.DepositNative(ctx, user1, amount)
		require.NoError(t, err)
		env.lastEvent(t)

		ev, err := env.gw.WithdrawNative(ctx, user1, amount)
		require.NoError(t, err)

		assert.True(t, env.gw.BalanceOf(domain.NativeAsset, user1).IsZero())
		assert.Equal(t, ether(t, "10"), env.chain.NativeBalance(user1))

		published := env.lastEvent(t)
		for _, e := range []domain.Event{ev, published} {
			assert.Equal(t, domain.EventWithdraw, e.Kind)
			assert.Equal(t, domain.NativeAsset, e.Asset)
			assert.Equal(t, user1, e.Account)
			assert.Equal(t, amount, e.Amount)
			assert.True(t, e.Balance.IsZero())
		}
		env.assertConserved(t)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.gw.DepositNative(ctx, user1, ether(t, "1"))
		require.NoError(t, err)

		_, err = env.gw.WithdrawNative(ctx, user1, ether(t, "100"))
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
		assert.Equal(t, ether(t, "1"), env.gw.BalanceOf(domain.NativeAsset, user1))
		assert.Equal(t, ether(t, "9"), env.chain.NativeBalance(user1))
		env.assertConserved(t)
	})

	t.Run("withdrawing the full balance twice", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.gw.DepositNative(ctx, user1, ether(t, "1"))
		require.NoError(t, err)

		_, err = env.gw.WithdrawNative(ctx, user1, ether(t, "1"))
		require.NoError(t, err)
		_, err = env.gw.WithdrawNative(ctx, user1, ether(t, "1"))
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)

		assert.True(t, env.gw.BalanceOf(domain.NativeAsset, user1).IsZero())
		env.assertConserved(t)
	})
}

func TestGateway_DepositToken(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t)
		amount := tokens(t, "10")
		require.NoError(t, env.chain.Approve(tokenAddr, user1, custodyAddr, amount))

		ev, err := env.gw.DepositToken(ctx, dapp, user1, amount)
		require.NoError(t, err)

		assert.Equal(t, amount, env.chain.TokenBalance(tokenAddr, custodyAddr))
		assert.Equal(t, amount, env.gw.BalanceOf(dapp, user1))
		assert.Equal(t, domain.EventDeposit, ev.Kind)
		assert.Equal(t, dapp, ev.Asset)
		assert.Equal(t, user1, ev.Account)
		assert.Equal(t, amount, ev.Amount)
		assert.Equal(t, amount, ev.Balance)
		env.assertConserved(t)
	})

	t.Run("without approval", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.gw.DepositToken(ctx, dapp, user1, tokens(t, "10"))
		require.ErrorIs(t, err, domain.ErrTransferFailed)
		assert.True(t, env.gw.BalanceOf(dapp, user1).IsZero())
		assert.True(t, env.chain.TokenBalance(tokenAddr, custodyAddr).IsZero())
		assert.Len(t, env.events, 0)
		env.assertConserved(t)
	})

	t.Run("native sentinel rejected", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.gw.DepositToken(ctx, domain.NativeAsset, user1, tokens(t, "10"))
		require.ErrorIs(t, err, domain.ErrInvalidAsset)
		env.assertConserved(t)
	})

	t.Run("token returning false", func(t *testing.T) {
		env := newTestEnv(t)
		broken := common.HexToAddress("0x00000000000000000000000000000000000000b0")
		require.NoError(t, env.chain.DeployBrokenToken(broken))
		require.NoError(t, env.chain.Mint(broken, user1, uint256.NewInt(5)))
		require.NoError(t, env.chain.Approve(broken, user1, custodyAddr, uint256.NewInt(5)))

		_, err := env.gw.DepositToken(ctx, domain.Token(broken), user1, uint256.NewInt(5))
		require.ErrorIs(t, err, domain.ErrTransferFailed)
		assert.True(t, env.gw.BalanceOf(domain.Token(broken), user1).IsZero())
	})

	t.Run("zero amount", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.gw.DepositToken(ctx, dapp, user1, uint256.NewInt(0))
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
	})
}

func TestGateway_NativeEntryPointRejectsToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.gw.deposit(ctx, registry.ShapeNative, dapp, user1, uint256.NewInt(1))
	require.ErrorIs(t, err, domain.ErrInvalidAsset)

	_, err = env.gw.withdraw(ctx, registry.ShapeNative, dapp, user1, uint256.NewInt(1))
	require.ErrorIs(t, err, domain.ErrInvalidAsset)
	env.assertConserved(t)
}

func TestGateway_WithdrawToken(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t)
		amount := tokens(t, "10")
		require.NoError(t, env.chain.Approve(tokenAddr, user1, custodyAddr, amount))
		_, err := env.gw.DepositToken(ctx, dapp, user1, amount)
		require.NoError(t, err)

		ev, err := env.gw.WithdrawToken(ctx, dapp, user1, amount)
		require.NoError(t, err)

		assert.True(t, env.gw.BalanceOf(dapp, user1).IsZero())
		assert.Equal(t, tokens(t, "100"), env.chain.TokenBalance(tokenAddr, user1))
		assert.Equal(t, domain.EventWithdraw, ev.Kind)
		assert.Equal(t, dapp, ev.Asset)
		assert.Equal(t, amount, ev.Amount)
		assert.True(t, ev.Balance.IsZero())
		env.assertConserved(t)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.gw.WithdrawToken(ctx, dapp, user1, tokens(t, "10"))
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})

	t.Run("native sentinel rejected", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.gw.WithdrawToken(ctx, domain.NativeAsset, user1, tokens(t, "10"))
		require.ErrorIs(t, err, domain.ErrInvalidAsset)
	})
}

func TestGateway_OverflowLeavesCustodyUntouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	max := new(uint256.Int).SetAllOne()

	whale := common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")
	require.NoError(t, env.chain.Mint(tokenAddr, whale, max))
	require.NoError(t, env.chain.Approve(tokenAddr, whale, custodyAddr, max))
	_, err := env.gw.DepositToken(ctx, dapp, whale, max)
	require.NoError(t, err)

	require.NoError(t, env.chain.Mint(tokenAddr, whale, uint256.NewInt(1)))
	require.NoError(t, env.chain.Approve(tokenAddr, whale, custodyAddr, uint256.NewInt(1)))
	custodied := env.chain.TokenBalance(tokenAddr, custodyAddr)

	t.Run("rejected before pulling", func(t *testing.T) {
		_, err := env.gw.DepositToken(ctx, dapp, whale, uint256.NewInt(1))
		require.ErrorIs(t, err, domain.ErrOverflow)
		assert.Equal(t, custodied, env.chain.TokenBalance(tokenAddr, custodyAddr))
		assert.Equal(t, uint256.NewInt(1), env.chain.TokenBalance(tokenAddr, whale))
	})

	t.Run("pull is returned when the credit overflows", func(t *testing.T) {
		gw, err := New(zap.NewNop(), &unguardedLedger{Ledger: env.ledger}, env.chain)
		require.NoError(t, err)

		_, err = gw.DepositToken(ctx, dapp, whale, uint256.NewInt(1))
		require.ErrorIs(t, err, domain.ErrOverflow)
		assert.Equal(t, custodied, env.chain.TokenBalance(tokenAddr, custodyAddr))
		assert.Equal(t, uint256.NewInt(1), env.chain.TokenBalance(tokenAddr, whale))
		assert.Equal(t, max, env.gw.BalanceOf(dapp, whale))
	})
}

// unguardedLedger skips the headroom pre-check so the credit itself overflows after the pull.
type unguardedLedger struct {
	*ledger.Ledger
}

func (u *unguardedLedger) CanCredit(domain.Asset, common.Address, *uint256.Int) error {
	return nil
}

func TestGateway_ReentrantWithdrawSeesDebitedBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	amount := ether(t, "1")

	_, err := env.gw.DepositNative(ctx, user1, amount)
	require.NoError(t, err)

	var reentered bool
	var reentrantErr error
	env.chain.SetTransferHook(func(ctx context.Context, tr custody.Transfer) error {
		if reentered || tr.To != user1 {
			return nil
		}
		reentered = true
		_, reentrantErr = env.gw.WithdrawNative(ctx, user1, amount)
		return nil
	})

	_, err = env.gw.WithdrawNative(ctx, user1, amount)
	require.NoError(t, err)

	require.True(t, reentered)
	require.ErrorIs(t, reentrantErr, domain.ErrInsufficientFunds)
	assert.Equal(t, ether(t, "10"), env.chain.NativeBalance(user1))
	assert.True(t, env.gw.BalanceOf(domain.NativeAsset, user1).IsZero())
	env.assertConserved(t)
}

func TestGateway_RecipientFailureRollsBackDebit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	amount := tokens(t, "5")
	require.NoError(t, env.chain.Approve(tokenAddr, user1, custodyAddr, amount))
	_, err := env.gw.DepositToken(ctx, dapp, user1, amount)
	require.NoError(t, err)

	env.chain.SetTransferHook(func(context.Context, custody.Transfer) error {
		return assert.AnError
	})

	_, err = env.gw.WithdrawToken(ctx, dapp, user1, amount)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, amount, env.gw.BalanceOf(dapp, user1))
	assert.Equal(t, amount, env.chain.TokenBalance(tokenAddr, custodyAddr))
	env.assertConserved(t)
}

func TestGateway_FailingRecipientCannotKeepNestedDeposit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	amount := ether(t, "1")

	require.NoError(t, env.chain.Fund(user2, amount))
	_, err := env.gw.DepositNative(ctx, user2, amount)
	require.NoError(t, err)

	var nestedErr error
	env.chain.SetTransferHook(func(ctx context.Context, tr custody.Transfer) error {
		if tr.To != user2 {
			return nil
		}
		// the released ether is in the wallet, so the deposit has funds to draw on
		_, nestedErr = env.gw.DepositNative(ctx, user2, amount)
		return assert.AnError
	})

	_, err = env.gw.WithdrawNative(ctx, user2, amount)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	require.ErrorIs(t, nestedErr, domain.ErrTransferFailed)

	assert.Equal(t, amount, env.gw.BalanceOf(domain.NativeAsset, user2))
	assert.True(t, env.chain.NativeBalance(user2).IsZero())
	assert.Equal(t, amount, env.chain.Custodied(domain.NativeAsset))
	env.assertConserved(t)
}

func TestGateway_ConservationUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	users := []common.Address{user1, user2}
	require.NoError(t, env.chain.Fund(user2, ether(t, "10")))

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		for _, u := range users {
			u := u
			g.Go(func() error {
				_, err := env.gw.DepositNative(ctx, u, uint256.NewInt(3))
				return err
			})
		}
	}
	require.NoError(t, g.Wait())
	env.assertConserved(t)

	// twice as many withdrawal attempts as the balance allows
	var wg errgroup.Group
	succeeded := make(chan struct{}, 100)
	for i := 0; i < 40; i++ {
		for _, u := range users {
			u := u
			wg.Go(func() error {
				_, err := env.gw.WithdrawNative(ctx, u, uint256.NewInt(3))
				if err == nil {
					succeeded <- struct{}{}
				}
				return nil
			})
		}
	}
	require.NoError(t, wg.Wait())
	close(succeeded)

	assert.Len(t, succeeded, 40)
	for _, u := range users {
		assert.True(t, env.gw.BalanceOf(domain.NativeAsset, u).IsZero())
		assert.Equal(t, ether(t, "10"), env.chain.NativeBalance(u))
	}
	env.assertConserved(t)
}
