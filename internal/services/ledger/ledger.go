// Package ledger records per (asset, account) balances. Credit and Debit are the only
// mutators, so non-negativity and overflow safety are enforced here and nowhere else.
package ledger

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/storage/ledgerstate"
	"go.uber.org/zap"
)

const checkpointInterval = 1000

type entryStore interface {
	AppendEntry(e ledgerstate.Entry) error
	AppendCheckpoint(c ledgerstate.Checkpoint) error
	Load() (*ledgerstate.Checkpoint, []ledgerstate.Entry, error)
}

// Ledger is the single source of truth for withdrawable balances.
type Ledger struct {
	mu       sync.RWMutex
	l        *zap.Logger
	fees     domain.FeeConfig
	balances map[domain.Asset]map[common.Address]uint256.Int
	// applied remembers mutation references so recovery can tell what already happened.
	applied map[string]bool
	store   entryStore
	seq     uint64

	sinceCheckpoint int
}

// New creates a ledger with fixed fees. When store is non-nil the ledger is rebuilt from it
// and every later mutation is written ahead to it.
func New(l *zap.Logger, fees domain.FeeConfig, store entryStore) (*Ledger, error) {
	if l == nil {
		l = zap.NewNop()
	}

	ledger := &Ledger{
		l:        l,
		fees:     fees,
		balances: make(map[domain.Asset]map[common.Address]uint256.Int),
		applied:  make(map[string]bool),
		store:    store,
	}

	if store != nil {
		if err := ledger.replay(); err != nil {
			return nil, errors.Wrap(err, "replay ledger")
		}
	}

	l.Info("ledger ready",
		zap.String("fee_account", fees.Account.Hex()),
		zap.Uint64("fee_percent", fees.Percent),
		zap.Uint64("seq", ledger.seq))

	return ledger, nil
}

// FeeAccount returns the account designated to receive fees.
func (l *Ledger) FeeAccount() common.Address {
	return l.fees.Account
}

// FeePercent returns the integer fee rate.
func (l *Ledger) FeePercent() uint64 {
	return l.fees.Percent
}

// Fees returns the fee configuration.
func (l *Ledger) Fees() domain.FeeConfig {
	return l.fees
}

// BalanceOf returns the balance of account in asset; unknown pairs are zero.
func (l *Ledger) BalanceOf(asset domain.Asset, account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bal := l.balanceLocked(asset, account)
	return &bal
}

// Total returns the sum of all balances recorded for asset.
func (l *Ledger) Total(asset domain.Asset) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := new(uint256.Int)
	for _, bal := range l.balances[asset] {
		total.Add(total, &bal)
	}
	return total
}

// Applied reports whether a mutation with ref was applied.
func (l *Ledger) Applied(ref string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.applied[ref]
}

// CanCredit reports whether Credit would succeed without mutating anything.
func (l *Ledger) CanCredit(asset domain.Asset, account common.Address, amount *uint256.Int) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bal := l.balanceLocked(asset, account)
	if _, overflow := new(uint256.Int).AddOverflow(&bal, amount); overflow {
		return errors.Wrapf(domain.ErrOverflow, "credit %s to %s of %s", amount.Dec(), account.Hex(), asset.String())
	}
	return nil
}

// Credit increases the balance and returns the new value.
// ref identifies the mutation for recovery; it may be empty.
func (l *Ledger) Credit(ref string, asset domain.Asset, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(asset, account)
	next, overflow := new(uint256.Int).AddOverflow(&bal, amount)
	if overflow {
		return nil, errors.Wrapf(domain.ErrOverflow, "credit %s to %s of %s", amount.Dec(), account.Hex(), asset.String())
	}

	if err := l.commitLocked(ledgerstate.OpCredit, ref, asset, account, amount, next); err != nil {
		return nil, err
	}

	return next.Clone(), nil
}

// Debit decreases the balance and returns the new value. The balance may reach zero,
// never below.
func (l *Ledger) Debit(ref string, asset domain.Asset, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(asset, account)
	if amount.Gt(&bal) {
		return nil, errors.Wrapf(domain.ErrInsufficientFunds, "have %s need %s of %s", bal.Dec(), amount.Dec(), asset.String())
	}
	next := new(uint256.Int).Sub(&bal, amount)

	if err := l.commitLocked(ledgerstate.OpDebit, ref, asset, account, amount, next); err != nil {
		return nil, err
	}

	return next.Clone(), nil
}

func (l *Ledger) balanceLocked(asset domain.Asset, account common.Address) uint256.Int {
	accounts, ok := l.balances[asset]
	if !ok {
		return uint256.Int{}
	}
	return accounts[account]
}

// commitLocked writes the mutation ahead and only then applies it in memory.
func (l *Ledger) commitLocked(op ledgerstate.Op, ref string, asset domain.Asset, account common.Address, amount, next *uint256.Int) error {
	seq := l.seq + 1

	if l.store != nil {
		entry := ledgerstate.Entry{
			Seq:     seq,
			Ref:     ref,
			Op:      op,
			Asset:   asset.Hex(),
			Account: account.Hex(),
			Amount:  amount.Dec(),
			Balance: next.Dec(),
		}
		if err := l.store.AppendEntry(entry); err != nil {
			return errors.Wrapf(err, "persist ledger %s", op)
		}
	}

	l.seq = seq
	l.setLocked(asset, account, next)
	if ref != "" {
		l.applied[ref] = true
	}

	l.sinceCheckpoint++
	if l.store != nil && l.sinceCheckpoint >= checkpointInterval {
		if err := l.store.AppendCheckpoint(l.checkpointLocked()); err != nil {
			// entries are still in the log, the next checkpoint will retry
			l.l.Warn("failed to write ledger checkpoint", zap.Error(err), zap.Uint64("seq", l.seq))
		} else {
			l.sinceCheckpoint = 0
		}
	}

	return nil
}

func (l *Ledger) setLocked(asset domain.Asset, account common.Address, value *uint256.Int) {
	accounts, ok := l.balances[asset]
	if !ok {
		accounts = make(map[common.Address]uint256.Int)
		l.balances[asset] = accounts
	}
	accounts[account] = *value
}

func (l *Ledger) checkpointLocked() ledgerstate.Checkpoint {
	cp := ledgerstate.Checkpoint{Seq: l.seq}
	for asset, accounts := range l.balances {
		for account, bal := range accounts {
			cp.Balances = append(cp.Balances, ledgerstate.StoredBalance{
				Asset:   asset.Hex(),
				Account: account.Hex(),
				Balance: bal.Dec(),
			})
		}
	}
	for ref := range l.applied {
		cp.Applied = append(cp.Applied, ref)
	}
	sort.Strings(cp.Applied)

	return cp
}

func (l *Ledger) replay() error {
	cp, entries, err := l.store.Load()
	if err != nil {
		return err
	}

	if cp != nil {
		for _, b := range cp.Balances {
			if err := l.restore(b.Asset, b.Account, b.Balance); err != nil {
				return errors.Wrapf(err, "checkpoint %d", cp.Seq)
			}
		}
		for _, ref := range cp.Applied {
			l.applied[ref] = true
		}
		l.seq = cp.Seq
	}

	for _, e := range entries {
		if e.Seq != l.seq+1 {
			return errors.Errorf("ledger entry gap: expected seq %d, got %d", l.seq+1, e.Seq)
		}
		if err := l.restore(e.Asset, e.Account, e.Balance); err != nil {
			return errors.Wrapf(err, "entry %d", e.Seq)
		}
		if e.Ref != "" {
			l.applied[e.Ref] = true
		}
		l.seq = e.Seq
	}
	l.sinceCheckpoint = len(entries)

	return nil
}

func (l *Ledger) restore(asset, account, balance string) error {
	if !common.IsHexAddress(asset) || !common.IsHexAddress(account) {
		return errors.Errorf("malformed address in ledger record: asset %q account %q", asset, account)
	}
	value, err := uint256.FromDecimal(balance)
	if err != nil {
		return errors.Wrapf(err, "decode balance %q", balance)
	}
	l.setLocked(domain.Token(common.HexToAddress(asset)), common.HexToAddress(account), value)
	return nil
}
