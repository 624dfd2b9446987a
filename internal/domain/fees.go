package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

const percentageMultiplier = 100

// FeeConfig fee account and fee rate fixed when the exchange is created.
type FeeConfig struct {
	// Account receives settlement fees.
	Account common.Address
	// Percent integer fee rate, 10 means 10%.
	Percent uint64
}

// NewFeeConfig validates and returns a fee configuration.
func NewFeeConfig(account common.Address, percent uint64) (FeeConfig, error) {
	if percent > percentageMultiplier {
		return FeeConfig{}, errors.Errorf("fee percent must be between 0 and 100, got %d", percent)
	}
	return FeeConfig{Account: account, Percent: percent}, nil
}

// FeeOn returns the fee charged on amount, rounded down.
func (f FeeConfig) FeeOn(amount *uint256.Int) *uint256.Int {
	fee, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(f.Percent), uint256.NewInt(percentageMultiplier))
	return fee
}
