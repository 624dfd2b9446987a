package custody

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/storage/simstate"
	"go.uber.org/zap"
)

func (c *Chain) restoreState() error {
	if c.store == nil {
		return nil
	}
	state, err := c.store.Load()
	if err != nil || state == nil {
		return err
	}

	if state.Custody != "" && common.HexToAddress(state.Custody) != c.custody {
		return errors.Errorf("state file belongs to custody %s, not %s", state.Custody, c.custody.Hex())
	}

	native, err := decodeBalances(state.Native)
	if err != nil {
		return errors.Wrap(err, "decode native wallets")
	}
	c.native = native

	for addr, ts := range state.Tokens {
		if !common.IsHexAddress(addr) {
			return errors.Errorf("malformed token address %q", addr)
		}
		t := newToken(ts.Broken)
		if t.balances, err = decodeBalances(ts.Balances); err != nil {
			return errors.Wrapf(err, "decode balances of token %s", addr)
		}
		for owner, spenders := range ts.Allowances {
			decoded, err := decodeBalances(spenders)
			if err != nil {
				return errors.Wrapf(err, "decode allowances of token %s", addr)
			}
			t.allowances[common.HexToAddress(owner)] = decoded
		}
		c.tokens[common.HexToAddress(addr)] = t
	}

	return nil
}

// persist must be called with c.mu held.
func (c *Chain) persist() {
	if c.store == nil {
		return
	}

	state := simstate.State{
		Custody: c.custody.Hex(),
		Native:  encodeBalances(c.native),
		Tokens:  make(map[string]simstate.TokenState, len(c.tokens)),
	}
	for addr, t := range c.tokens {
		ts := simstate.TokenState{
			Broken:     t.broken,
			Balances:   encodeBalances(t.balances),
			Allowances: make(map[string]map[string]string, len(t.allowances)),
		}
		for owner, spenders := range t.allowances {
			ts.Allowances[owner.Hex()] = encodeBalances(spenders)
		}
		state.Tokens[addr.Hex()] = ts
	}

	if err := c.store.Save(state); err != nil {
		c.l.Warn("failed to persist simulated chain state", zap.Error(err))
	}
}

func encodeBalances(in map[common.Address]uint256.Int) map[string]string {
	out := make(map[string]string, len(in))
	for addr, bal := range in {
		out[addr.Hex()] = bal.Dec()
	}
	return out
}

func decodeBalances(in map[string]string) (map[common.Address]uint256.Int, error) {
	out := make(map[common.Address]uint256.Int, len(in))
	for addr, s := range in {
		if !common.IsHexAddress(addr) {
			return nil, errors.Errorf("malformed address %q", addr)
		}
		if s == "" {
			out[common.HexToAddress(addr)] = uint256.Int{}
			continue
		}
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, errors.Wrapf(err, "decode amount of %s", addr)
		}
		out[common.HexToAddress(addr)] = *v
	}
	return out, nil
}
