// Package custody moves assets in and out of exchange custody.
package custody

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/storage/simstate"
	"go.uber.org/zap"
)

// Transfer describes a value movement performed by the chain.
type Transfer struct {
	Asset  domain.Asset
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// TransferHook runs when custody releases value to a recipient, after balances moved and
// before the release returns. It models recipient code and may call back into the exchange,
// but custody refuses to move value until it returns, so a failing recipient only has the
// release itself to undo.
type TransferHook func(ctx context.Context, t Transfer) error

type token struct {
	broken     bool
	balances   map[common.Address]uint256.Int
	allowances map[common.Address]map[common.Address]uint256.Int
}

func newToken(broken bool) *token {
	return &token{
		broken:     broken,
		balances:   make(map[common.Address]uint256.Int),
		allowances: make(map[common.Address]map[common.Address]uint256.Int),
	}
}

// Chain is an in-memory chain holding native wallets and ERC20-like token contracts.
type Chain struct {
	mu      sync.Mutex
	l       *zap.Logger
	custody common.Address
	native  map[common.Address]uint256.Int
	tokens  map[common.Address]*token
	hook    TransferHook
	// releases whose recipient code is still running
	inHook  int
	store   *simstate.Store
}

// NewChain creates a simulated chain whose exchange custody lives at custody.
// store may be nil; otherwise state is restored from and persisted to it.
func NewChain(l *zap.Logger, custody common.Address, store *simstate.Store) (*Chain, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if custody == (common.Address{}) {
		return nil, errors.New("custody address must not be the zero address")
	}

	c := &Chain{
		l:       l,
		custody: custody,
		native:  make(map[common.Address]uint256.Int),
		tokens:  make(map[common.Address]*token),
		store:   store,
	}
	if err := c.restoreState(); err != nil {
		return nil, errors.Wrap(err, "restore simulated chain")
	}

	l.Info("simulated chain ready",
		zap.String("custody", custody.Hex()),
		zap.Int("tokens", len(c.tokens)))

	return c, nil
}

// Address returns the exchange custody address.
func (c *Chain) Address() common.Address {
	return c.custody
}

// SetTransferHook installs hook for subsequent releases; nil removes it.
func (c *Chain) SetTransferHook(hook TransferHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// DeployToken registers a token contract at addr. Deploying an existing address is a no-op.
func (c *Chain) DeployToken(addr common.Address) error {
	return c.deploy(addr, false)
}

// DeployBrokenToken registers a token whose transfers always return false.
func (c *Chain) DeployBrokenToken(addr common.Address) error {
	return c.deploy(addr, true)
}

func (c *Chain) deploy(addr common.Address, broken bool) error {
	if addr == (common.Address{}) {
		return errors.Wrap(domain.ErrInvalidAsset, "token cannot live at the zero address")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tokens[addr]; ok {
		return nil
	}
	c.tokens[addr] = newToken(broken)
	c.persist()

	return nil
}

// Fund credits native value to account out of thin air.
func (c *Chain) Fund(account common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bal := c.native[account]
	next, overflow := new(uint256.Int).AddOverflow(&bal, amount)
	if overflow {
		return errors.Wrap(domain.ErrOverflow, "fund native wallet")
	}
	c.native[account] = *next
	c.persist()

	return nil
}

// Mint creates amount of token for to.
func (c *Chain) Mint(tokenAddr, to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.tokenLocked(tokenAddr)
	if err != nil {
		return err
	}
	bal := t.balances[to]
	next, overflow := new(uint256.Int).AddOverflow(&bal, amount)
	if overflow {
		return errors.Wrap(domain.ErrOverflow, "mint token")
	}
	t.balances[to] = *next
	c.persist()

	return nil
}

// Approve sets the amount spender may pull from owner.
func (c *Chain) Approve(tokenAddr, owner, spender common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.tokenLocked(tokenAddr)
	if err != nil {
		return err
	}
	setAllowance(t, owner, spender, amount)
	c.persist()

	return nil
}

// NativeBalance returns the native wallet balance of account.
func (c *Chain) NativeBalance(account common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	bal := c.native[account]
	return &bal
}

// TokenBalance returns the token balance of account; zero for unknown tokens.
func (c *Chain) TokenBalance(tokenAddr, account common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tokens[tokenAddr]
	if !ok {
		return new(uint256.Int)
	}
	bal := t.balances[account]
	return &bal
}

// Allowance returns how much spender may still pull from owner.
func (c *Chain) Allowance(tokenAddr, owner, spender common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tokens[tokenAddr]
	if !ok {
		return new(uint256.Int)
	}
	allowance := t.allowances[owner][spender]
	return &allowance
}

// Custodied returns how much of asset the exchange holds.
func (c *Chain) Custodied(asset domain.Asset) *uint256.Int {
	if asset.IsNative() {
		return c.NativeBalance(c.custody)
	}
	return c.TokenBalance(asset.Address, c.custody)
}

// AcceptNative settles the value attached to a deposit call into custody.
func (c *Chain) AcceptNative(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.idleLocked(); err != nil {
		return err
	}
	if err := c.moveNativeLocked(from, c.custody, amount); err != nil {
		return err
	}
	c.persist()

	return nil
}

// PullToken moves amount from owner into custody using the allowance granted to custody.
func (c *Chain) PullToken(ctx context.Context, asset domain.Asset, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.idleLocked(); err != nil {
		return err
	}
	t, err := c.tokenLocked(asset.Address)
	if err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}
	if t.broken {
		return errors.Wrapf(domain.ErrTransferFailed, "token %s transferFrom returned false", asset.Hex())
	}

	allowance := t.allowances[from][c.custody]
	if amount.Gt(&allowance) {
		return errors.Wrapf(domain.ErrTransferFailed, "allowance %s below %s", allowance.Dec(), amount.Dec())
	}
	if err := moveTokenLocked(t, from, c.custody, amount); err != nil {
		return err
	}
	setAllowance(t, from, c.custody, new(uint256.Int).Sub(&allowance, amount))
	c.persist()

	return nil
}

// ReleaseNative sends native value from custody to to.
func (c *Chain) ReleaseNative(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}

	c.mu.Lock()
	if err := c.idleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.moveNativeLocked(c.custody, to, amount); err != nil {
		c.mu.Unlock()
		return err
	}
	c.persist()
	hook := c.enterHookLocked()
	c.mu.Unlock()

	return c.runHook(ctx, hook, Transfer{Asset: domain.NativeAsset, From: c.custody, To: to, Amount: amount.Clone()})
}

// ReleaseToken transfers token units from custody to to.
func (c *Chain) ReleaseToken(ctx context.Context, asset domain.Asset, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}

	c.mu.Lock()
	if err := c.idleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	t, err := c.tokenLocked(asset.Address)
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}
	if t.broken {
		c.mu.Unlock()
		return errors.Wrapf(domain.ErrTransferFailed, "token %s transfer returned false", asset.Hex())
	}
	if err := moveTokenLocked(t, c.custody, to, amount); err != nil {
		c.mu.Unlock()
		return err
	}
	c.persist()
	hook := c.enterHookLocked()
	c.mu.Unlock()

	return c.runHook(ctx, hook, Transfer{Asset: asset, From: c.custody, To: to, Amount: amount.Clone()})
}

// enterHookLocked returns the installed hook and, when there is one, marks custody busy
// until runHook finishes.
func (c *Chain) enterHookLocked() TransferHook {
	if c.hook != nil {
		c.inHook++
	}
	return c.hook
}

func (c *Chain) idleLocked() error {
	if c.inHook > 0 {
		return errors.Wrap(domain.ErrTransferFailed, "custody is busy with a recipient call")
	}
	return nil
}

// runHook reverts the release when recipient code fails.
func (c *Chain) runHook(ctx context.Context, hook TransferHook, t Transfer) error {
	if hook == nil {
		return nil
	}
	hookErr := hook(ctx, t)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inHook--

	if hookErr == nil {
		return nil
	}

	var undoErr error
	if t.Asset.IsNative() {
		undoErr = c.moveNativeLocked(t.To, t.From, t.Amount)
	} else if tk, ok := c.tokens[t.Asset.Address]; ok {
		undoErr = moveTokenLocked(tk, t.To, t.From, t.Amount)
	}
	c.persist()

	err := errors.Wrapf(domain.ErrTransferFailed, "recipient rejected transfer: %s", hookErr.Error())
	if undoErr != nil {
		c.l.Error("failed to undo release after recipient failure",
			zap.String("asset", t.Asset.String()),
			zap.String("to", t.To.Hex()),
			zap.Error(undoErr))
		return errors.Wrapf(domain.ErrReleaseKept, "undo release to %s: %s", t.To.Hex(), undoErr.Error())
	}

	return err
}

func (c *Chain) tokenLocked(addr common.Address) (*token, error) {
	t, ok := c.tokens[addr]
	if !ok {
		return nil, errors.Wrapf(domain.ErrInvalidAsset, "no token contract at %s", addr.Hex())
	}
	return t, nil
}

func (c *Chain) moveNativeLocked(from, to common.Address, amount *uint256.Int) error {
	if from == to {
		return nil
	}
	fromBal := c.native[from]
	if amount.Gt(&fromBal) {
		return errors.Wrapf(domain.ErrTransferFailed, "native balance of %s is %s, need %s", from.Hex(), fromBal.Dec(), amount.Dec())
	}
	toBal := c.native[to]
	next, overflow := new(uint256.Int).AddOverflow(&toBal, amount)
	if overflow {
		return errors.Wrap(domain.ErrTransferFailed, "recipient native balance overflow")
	}
	c.native[from] = *new(uint256.Int).Sub(&fromBal, amount)
	c.native[to] = *next

	return nil
}

func moveTokenLocked(t *token, from, to common.Address, amount *uint256.Int) error {
	if from == to {
		return nil
	}
	fromBal := t.balances[from]
	if amount.Gt(&fromBal) {
		return errors.Wrapf(domain.ErrTransferFailed, "token balance of %s is %s, need %s", from.Hex(), fromBal.Dec(), amount.Dec())
	}
	toBal := t.balances[to]
	next, overflow := new(uint256.Int).AddOverflow(&toBal, amount)
	if overflow {
		return errors.Wrap(domain.ErrTransferFailed, "recipient token balance overflow")
	}
	t.balances[from] = *new(uint256.Int).Sub(&fromBal, amount)
	t.balances[to] = *next

	return nil
}

func setAllowance(t *token, owner, spender common.Address, amount *uint256.Int) {
	allowances, ok := t.allowances[owner]
	if !ok {
		allowances = make(map[common.Address]uint256.Int)
		t.allowances[owner] = allowances
	}
	allowances[spender] = *amount
}
