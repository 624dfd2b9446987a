package custody

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/pkg/retrier"
	"go.uber.org/zap"
)

const nativeTransferGas = 21000

// erc20ABI covers the subset of EIP-20 custody needs.
const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// backend is what EVM needs from a JSON-RPC client.
type backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// EVM custodies ERC20 tokens and Ether through a signing key on an Ethereum node.
type EVM struct {
	l       *zap.Logger
	client  backend
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	erc20   abi.ABI
	retrier *retrier.Retrier
}

// DialEVM connects to rpcURL and returns a custodian signing with privateKeyHex.
func DialEVM(ctx context.Context, l *zap.Logger, rpcURL, privateKeyHex string, r *retrier.Retrier) (*EVM, error) {
	if r == nil {
		r = defaultRetrier()
	}
	client, err := retrier.DoWithData(r, ctx, func(ctx context.Context) (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, rpcURL)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}

	return NewEVM(ctx, l, client, privateKeyHex, r)
}

// NewEVM builds a custodian on top of an existing client.
func NewEVM(ctx context.Context, l *zap.Logger, client backend, privateKeyHex string, r *retrier.Retrier) (*EVM, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if r == nil {
		r = defaultRetrier()
	}

	key, address, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse erc20 abi")
	}

	chainID, err := retrier.DoWithData(r, ctx, client.ChainID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch chain id")
	}

	l.Info("evm custodian ready",
		zap.String("custody", address.Hex()),
		zap.String("chain_id", chainID.String()))

	return &EVM{
		l:       l,
		client:  client,
		key:     key,
		address: address,
		chainID: chainID,
		erc20:   parsed,
		retrier: r,
	}, nil
}

func defaultRetrier() *retrier.Retrier {
	return retrier.New(
		retrier.WithInitialInterval(500*time.Millisecond),
		retrier.WithMaxRetries(4),
		retrier.WithRetryIf(retryable),
	)
}

// retryable reports whether a read-only RPC failure may succeed on another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return !strings.Contains(msg, "execution reverted") && !strings.Contains(msg, "no contract code")
}

// ParsePrivateKey decodes a hex private key, with or without 0x, and derives its address.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, common.Address{}, errors.Wrap(err, "decode custody key")
	}

	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, common.Address{}, errors.New("error casting public key to ECDSA")
	}

	return privateKey, crypto.PubkeyToAddress(*pub), nil
}

// Address returns the custody address.
func (e *EVM) Address() common.Address {
	return e.address
}

// ChainID returns the chain id reported by the node at construction.
func (e *EVM) ChainID() *big.Int {
	return new(big.Int).Set(e.chainID)
}

// AcceptNative refuses: custody cannot pull native value from an externally owned account,
// and crediting a claimed amount with nothing on chain backing it would break conservation.
func (e *EVM) AcceptNative(ctx context.Context, from common.Address, amount *uint256.Int) error {
	e.l.Warn("refused native deposit",
		zap.String("from", from.Hex()),
		zap.String("amount", amount.Dec()))
	return errors.Wrap(domain.ErrTransferFailed, "native deposits are not supported by evm custody")
}

// PullToken calls transferFrom(from, custody, amount) after checking the allowance.
func (e *EVM) PullToken(ctx context.Context, asset domain.Asset, from common.Address, amount *uint256.Int) error {
	allowance, err := e.Allowance(ctx, asset, from)
	if err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}
	if amount.Gt(allowance) {
		return errors.Wrapf(domain.ErrTransferFailed, "allowance %s below %s", allowance.Dec(), amount.Dec())
	}

	return e.transact(ctx, asset, "transferFrom", from, e.address, amount.ToBig())
}

// ReleaseToken calls transfer(to, amount) from custody.
func (e *EVM) ReleaseToken(ctx context.Context, asset domain.Asset, to common.Address, amount *uint256.Int) error {
	return e.transact(ctx, asset, "transfer", to, amount.ToBig())
}

// ReleaseNative sends a plain value transfer from custody.
func (e *EVM) ReleaseNative(ctx context.Context, to common.Address, amount *uint256.Int) error {
	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return errors.Wrapf(domain.ErrTransferFailed, "pending nonce: %s", err.Error())
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return errors.Wrapf(domain.ErrTransferFailed, "gas price: %s", err.Error())
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount.ToBig(),
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return errors.Wrapf(domain.ErrTransferFailed, "sign native transfer: %s", err.Error())
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return errors.Wrapf(domain.ErrTransferFailed, "send native transfer: %s", err.Error())
	}

	return e.waitSuccess(ctx, signed, "native transfer")
}

// Allowance returns how much custody may pull from owner.
func (e *EVM) Allowance(ctx context.Context, asset domain.Asset, owner common.Address) (*uint256.Int, error) {
	return e.callUint(ctx, asset, "allowance", owner, e.address)
}

// TokenBalance returns the on-chain token balance of account.
func (e *EVM) TokenBalance(ctx context.Context, asset domain.Asset, account common.Address) (*uint256.Int, error) {
	return e.callUint(ctx, asset, "balanceOf", account)
}

func (e *EVM) callUint(ctx context.Context, asset domain.Asset, method string, params ...interface{}) (*uint256.Int, error) {
	contract := bind.NewBoundContract(asset.Address, e.erc20, e.client, e.client, e.client)

	out, err := retrier.DoWithData(e.retrier, ctx, func(ctx context.Context) ([]interface{}, error) {
		var res []interface{}
		err := contract.Call(&bind.CallOpts{Context: ctx}, &res, method, params...)
		return res, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, asset.Hex())
	}
	if len(out) != 1 {
		return nil, errors.Errorf("%s returned %d values", method, len(out))
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("%s returned %T", method, out[0])
	}
	value, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, errors.Errorf("%s result overflows uint256", method)
	}

	return value, nil
}

// transact is never retried: a resent transfer could move value twice.
func (e *EVM) transact(ctx context.Context, asset domain.Asset, method string, params ...interface{}) error {
	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return errors.Wrapf(domain.ErrTransferFailed, "transactor: %s", err.Error())
	}
	opts.Context = ctx

	contract := bind.NewBoundContract(asset.Address, e.erc20, e.client, e.client, e.client)
	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return errors.Wrapf(domain.ErrTransferFailed, "%s on %s: %s", method, asset.Hex(), err.Error())
	}

	return e.waitSuccess(ctx, tx, method)
}

func (e *EVM) waitSuccess(ctx context.Context, tx *types.Transaction, what string) error {
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return errors.Wrapf(domain.ErrTransferFailed, "wait %s %s: %s", what, tx.Hash().Hex(), err.Error())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return errors.Wrapf(domain.ErrTransferFailed, "%s %s reverted", what, tx.Hash().Hex())
	}

	e.l.Info("custody transaction mined",
		zap.String("what", what),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()))

	return nil
}
