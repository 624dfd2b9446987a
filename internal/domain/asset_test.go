package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsset_IsNative(t *testing.T) {
	assert.True(t, NativeAsset.IsNative())
	assert.Equal(t, "ETH", NativeAsset.String())

	token := Token(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	assert.False(t, token.IsNative())
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", token.String())
	assert.NotEqual(t, NativeAsset, token)
}

func TestFeeConfig(t *testing.T) {
	feeAccount := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	t.Run("valid", func(t *testing.T) {
		fees, err := NewFeeConfig(feeAccount, 10)
		require.NoError(t, err)
		assert.Equal(t, feeAccount, fees.Account)
		assert.Equal(t, uint64(10), fees.Percent)
		assert.Equal(t, uint256.NewInt(10), fees.FeeOn(uint256.NewInt(100)))
		assert.Equal(t, uint256.NewInt(0), fees.FeeOn(uint256.NewInt(9)))
	})

	t.Run("percent above 100", func(t *testing.T) {
		_, err := NewFeeConfig(feeAccount, 101)
		assert.Error(t, err)
	})
}

func TestIntentStatus_IsTerminal(t *testing.T) {
	assert.False(t, IntentPending.IsTerminal())
	assert.False(t, IntentCustodyMoved.IsTerminal())
	assert.True(t, IntentCommitted.IsTerminal())
	assert.True(t, IntentReverted.IsTerminal())
}
