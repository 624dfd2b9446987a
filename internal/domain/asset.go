// Package domain defines core data structures shared by the ledger, the gateway and custodians.
package domain

import (
	"github.com/ethereum/go-ethereum/common"
)

// nativeSymbol is the display symbol of the chain's intrinsic asset.
const nativeSymbol = "ETH"

// Asset identifies a custodied asset.
// The zero address is reserved for the native asset; any other address is a token contract.
type Asset struct {
	Address common.Address
}

// NativeAsset is the sentinel identifying Ether.
var NativeAsset = Asset{}

// Token returns the asset backed by the given token contract.
func Token(addr common.Address) Asset {
	return Asset{Address: addr}
}

// IsNative reports whether the asset is the native sentinel.
func (a Asset) IsNative() bool {
	return a.Address == (common.Address{})
}

// String returns the checksummed contract address, or ETH for the native asset.
func (a Asset) String() string {
	if a.IsNative() {
		return nativeSymbol
	}
	return a.Address.Hex()
}

// Hex returns the hex form of the underlying address, including the zero address for ETH.
func (a Asset) Hex() string {
	return a.Address.Hex()
}
