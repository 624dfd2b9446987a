package custody

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/pkg/retrier"
	"go.uber.org/zap"
)

// well-known development key #0
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var devAddr = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestParsePrivateKey(t *testing.T) {
	_, addr, err := ParsePrivateKey(devKey)
	require.NoError(t, err)
	assert.Equal(t, devAddr, addr)

	_, addr, err = ParsePrivateKey(strings.TrimPrefix(devKey, "0x"))
	require.NoError(t, err)
	assert.Equal(t, devAddr, addr)

	_, _, err = ParsePrivateKey("not-a-key")
	assert.Error(t, err)
}

func TestERC20ABI(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)

	selectors := map[string]string{
		"balanceOf":    "70a08231",
		"allowance":    "dd62ed3e",
		"transfer":     "a9059cbb",
		"transferFrom": "23b872dd",
	}
	for name, selector := range selectors {
		method, ok := parsed.Methods[name]
		require.True(t, ok, name)
		assert.Equal(t, selector, common.Bytes2Hex(method.ID), name)
	}
}

func TestEVM_ReleaseNative(t *testing.T) {
	funding := new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))
	sim := simulated.NewBackend(types.GenesisAlloc{devAddr: {Balance: funding}})
	defer sim.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// mine continuously so WaitMined returns
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sim.Commit()
			}
		}
	}()

	r := retrier.New(retrier.WithMaxRetries(1), retrier.WithInitialInterval(time.Millisecond))
	custodian, err := NewEVM(ctx, zap.NewNop(), sim.Client(), devKey, r)
	require.NoError(t, err)
	assert.Equal(t, devAddr, custodian.Address())

	recipient := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	amount := uint256.NewInt(params.Ether)

	// custody itself is funded in genesis
	require.NoError(t, custodian.ReleaseNative(ctx, recipient, amount))

	bal, err := sim.Client().BalanceAt(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, amount.ToBig(), bal)
}

func TestEVM_RefusesNativeDeposits(t *testing.T) {
	sim := simulated.NewBackend(types.GenesisAlloc{})
	defer sim.Close()

	ctx := context.Background()
	custodian, err := NewEVM(ctx, zap.NewNop(), sim.Client(), devKey, retrier.New(retrier.WithMaxRetries(0)))
	require.NoError(t, err)

	attacker := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	err = custodian.AcceptNative(ctx, attacker, uint256.NewInt(params.Ether))
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	bal, err := sim.Client().BalanceAt(ctx, attacker, nil)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())
}

func TestEVM_PullTokenWithoutContractFails(t *testing.T) {
	sim := simulated.NewBackend(types.GenesisAlloc{})
	defer sim.Close()

	ctx := context.Background()
	r := retrier.New(retrier.WithMaxRetries(0))
	custodian, err := NewEVM(ctx, zap.NewNop(), sim.Client(), devKey, r)
	require.NoError(t, err)

	token := domain.Token(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	err = custodian.PullToken(ctx, token, common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"), uint256.NewInt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("dial tcp 127.0.0.1:8545: connection refused")))
	assert.False(t, retryable(errors.New("execution reverted: ERC20: insufficient allowance")))
	assert.False(t, retryable(errors.New("no contract code at given address")))
	assert.False(t, retryable(errors.Wrap(context.Canceled, "call allowance")))
}
