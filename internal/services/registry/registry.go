// Package registry classifies assets and resolves token references.
package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/domain"
)

// Shape is the kind of asset an entry point accepts.
type Shape int

const (
	// ShapeNative entry point moves Ether only.
	ShapeNative Shape = iota
	// ShapeToken entry point moves token contracts only.
	ShapeToken
)

// String returns the string representation.
func (s Shape) String() string {
	switch s {
	case ShapeNative:
		return "native"
	case ShapeToken:
		return "token"
	default:
		return "unknown"
	}
}

// Registry resolves configured token symbols. The symbol table is fixed at construction.
type Registry struct {
	symbols map[string]domain.Asset
}

// New builds a registry from symbol -> token address pairs.
func New(tokens map[string]common.Address) (*Registry, error) {
	symbols := make(map[string]domain.Asset, len(tokens))
	for symbol, addr := range tokens {
		key := strings.ToUpper(strings.TrimSpace(symbol))
		if key == "" {
			return nil, errors.Wrap(domain.ErrInvalidAsset, "empty token symbol")
		}
		if isNativeSymbol(key) {
			return nil, errors.Wrapf(domain.ErrInvalidAsset, "symbol %s is reserved for the native asset", symbol)
		}
		asset := domain.Token(addr)
		if asset.IsNative() {
			return nil, errors.Wrapf(domain.ErrInvalidAsset, "token %s uses the native sentinel address", symbol)
		}
		symbols[key] = asset
	}

	return &Registry{symbols: symbols}, nil
}

// IsNative reports whether asset is the native sentinel.
func IsNative(asset domain.Asset) bool {
	return asset.IsNative()
}

// Validate checks that asset matches the shape the entry point accepts.
func Validate(asset domain.Asset, shape Shape) error {
	switch shape {
	case ShapeNative:
		if !asset.IsNative() {
			return errors.Wrapf(domain.ErrInvalidAsset, "token %s passed to a native-only entry point", asset.Hex())
		}
	case ShapeToken:
		if asset.IsNative() {
			return errors.Wrap(domain.ErrInvalidAsset, "native sentinel passed to a token-only entry point")
		}
	default:
		return errors.Wrapf(domain.ErrInvalidAsset, "unknown entry point shape %d", shape)
	}

	return nil
}

// ParseAddress parses a hex account or contract address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Wrapf(domain.ErrInvalidAsset, "malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

// Resolve maps ETH/ETHER, a configured symbol or a hex address to an asset.
func (r *Registry) Resolve(ref string) (domain.Asset, error) {
	key := strings.ToUpper(strings.TrimSpace(ref))
	if isNativeSymbol(key) {
		return domain.NativeAsset, nil
	}
	if r != nil {
		if asset, ok := r.symbols[key]; ok {
			return asset, nil
		}
	}

	addr, err := ParseAddress(ref)
	if err != nil {
		return domain.Asset{}, errors.Wrapf(domain.ErrInvalidAsset, "unknown asset %q", ref)
	}

	return domain.Token(addr), nil
}

// Symbol returns the configured symbol of asset, if any.
func (r *Registry) Symbol(asset domain.Asset) (string, bool) {
	if asset.IsNative() {
		return "ETH", true
	}
	if r == nil {
		return "", false
	}
	for symbol, a := range r.symbols {
		if a == asset {
			return symbol, true
		}
	}
	return "", false
}

func isNativeSymbol(s string) bool {
	return s == "ETH" || s == "ETHER"
}
