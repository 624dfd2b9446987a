package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/exledger/internal"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/services/registry"
	"github.com/vadiminshakov/exledger/pkg/units"
)

type command struct {
	args     int
	usage    string
	simulate bool
	run      func(ctx context.Context, ex *internal.Exchange, args []string) (string, error)
}

var commands = map[string]command{
	"deposit-native": {
		args:     2,
		usage:    "deposit-native <account> <amount>",
		simulate: true,
		run: func(ctx context.Context, ex *internal.Exchange, args []string) (string, error) {
			account, amount, err := accountAmount(ex, domain.NativeAsset, args[0], args[1])
			if err != nil {
				return "", err
			}
			ev, err := ex.Gateway().DepositNative(ctx, account, amount)
			return describe(ex, ev), err
		},
	},
	"deposit-token": {
		args:  3,
		usage: "deposit-token <asset> <account> <amount>",
		run: func(ctx context.Context, ex *internal.Exchange, args []string) (string, error) {
			asset, err := ex.Registry().Resolve(args[0])
			if err != nil {
				return "", err
			}
			account, amount, err := accountAmount(ex, asset, args[1], args[2])
			if err != nil {
				return "", err
			}
			ev, err := ex.Gateway().DepositToken(ctx, asset, account, amount)
			return describe(ex, ev), err
		},
	},
	"withdraw-native": {
		args:  2,
		usage: "withdraw-native <account> <amount>",
		run: func(ctx context.Context, ex *internal.Exchange, args []string) (string, error) {
			account, amount, err := accountAmount(ex, domain.NativeAsset, args[0], args[1])
			if err != nil {
				return "", err
			}
			ev, err := ex.Gateway().WithdrawNative(ctx, account, amount)
			return describe(ex, ev), err
		},
	},
	"withdraw-token": {
		args:  3,
		usage: "withdraw-token <asset> <account> <amount>",
		run: func(ctx context.Context, ex *internal.Exchange, args []string) (string, error) {
			asset, err := ex.Registry().Resolve(args[0])
			if err != nil {
				return "", err
			}
			account, amount, err := accountAmount(ex, asset, args[1], args[2])
			if err != nil {
				return "", err
			}
			ev, err := ex.Gateway().WithdrawToken(ctx, asset, account, amount)
			return describe(ex, ev), err
		},
	},
	"balance": {
		args:  2,
		usage: "balance <asset> <account>",
		run: func(_ context.Context, ex *internal.Exchange, args []string) (string, error) {
			asset, err := ex.Registry().Resolve(args[0])
			if err != nil {
				return "", err
			}
			account, err := registry.ParseAddress(args[1])
			if err != nil {
				return "", err
			}
			balance := ex.Gateway().BalanceOf(asset, account)
			return fmt.Sprintf("%s %s", units.Format(balance, ex.Decimals(asset)), symbol(ex, asset)), nil
		},
	},
	"fees": {
		usage: "fees",
		run: func(_ context.Context, ex *internal.Exchange, _ []string) (string, error) {
			return fmt.Sprintf("fee account: %s fee percent: %d", ex.Gateway().FeeAccount().Hex(), ex.Gateway().FeePercent()), nil
		},
	},
	"serve": {
		usage: "serve",
		run: func(ctx context.Context, ex *internal.Exchange, _ []string) (string, error) {
			if err := ex.Serve(ctx); err != nil {
				return "", err
			}
			return "server stopped", nil
		},
	},
	"fund": {
		args:     2,
		usage:    "fund <account> <amount>",
		simulate: true,
		run: func(_ context.Context, ex *internal.Exchange, args []string) (string, error) {
			account, amount, err := accountAmount(ex, domain.NativeAsset, args[0], args[1])
			if err != nil {
				return "", err
			}
			if err := ex.Chain().Fund(account, amount); err != nil {
				return "", err
			}
			return wallet(ex, domain.NativeAsset, account), nil
		},
	},
	"mint": {
		args:     3,
		usage:    "mint <token> <account> <amount>",
		simulate: true,
		run: func(_ context.Context, ex *internal.Exchange, args []string) (string, error) {
			asset, err := tokenAsset(ex, args[0])
			if err != nil {
				return "", err
			}
			account, amount, err := accountAmount(ex, asset, args[1], args[2])
			if err != nil {
				return "", err
			}
			if err := ex.Chain().Mint(asset.Address, account, amount); err != nil {
				return "", err
			}
			return wallet(ex, asset, account), nil
		},
	},
	"approve": {
		args:     3,
		usage:    "approve <token> <owner> <amount>",
		simulate: true,
		run: func(_ context.Context, ex *internal.Exchange, args []string) (string, error) {
			asset, err := tokenAsset(ex, args[0])
			if err != nil {
				return "", err
			}
			owner, amount, err := accountAmount(ex, asset, args[1], args[2])
			if err != nil {
				return "", err
			}
			if err := ex.Chain().Approve(asset.Address, owner, ex.CustodyAddress(), amount); err != nil {
				return "", err
			}
			allowance := ex.Chain().Allowance(asset.Address, owner, ex.CustodyAddress())
			return fmt.Sprintf("allowance %s %s", units.Format(allowance, ex.Decimals(asset)), symbol(ex, asset)), nil
		},
	},
	"wallet": {
		args:     2,
		usage:    "wallet <asset> <account>",
		simulate: true,
		run: func(_ context.Context, ex *internal.Exchange, args []string) (string, error) {
			asset, err := ex.Registry().Resolve(args[0])
			if err != nil {
				return "", err
			}
			account, err := registry.ParseAddress(args[1])
			if err != nil {
				return "", err
			}
			return wallet(ex, asset, account), nil
		},
	},
}

func run(ctx context.Context, ex *internal.Exchange, name string, args []string) (string, error) {
	cmd, ok := commands[name]
	if !ok {
		return "", errors.Errorf("unknown command %q", name)
	}
	if len(args) != cmd.args {
		return "", errors.Errorf("usage: %s", cmd.usage)
	}
	if cmd.simulate && ex.Chain() == nil {
		return "", errors.Errorf("%s is only available in simulate mode", name)
	}

	return cmd.run(ctx, ex, args)
}

func accountAmount(ex *internal.Exchange, asset domain.Asset, accountArg, amountArg string) (common.Address, *uint256.Int, error) {
	account, err := registry.ParseAddress(accountArg)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := units.Tokens(amountArg, ex.Decimals(asset))
	if err != nil {
		return common.Address{}, nil, errors.Wrapf(err, "invalid amount %q", amountArg)
	}
	return account, amount, nil
}

func tokenAsset(ex *internal.Exchange, ref string) (domain.Asset, error) {
	asset, err := ex.Registry().Resolve(ref)
	if err != nil {
		return domain.Asset{}, err
	}
	if asset.IsNative() {
		return domain.Asset{}, errors.Wrap(domain.ErrInvalidAsset, "expected a token")
	}
	return asset, nil
}

func symbol(ex *internal.Exchange, asset domain.Asset) string {
	if s, ok := ex.Registry().Symbol(asset); ok {
		return s
	}
	return asset.Hex()
}

func describe(ex *internal.Exchange, ev domain.Event) string {
	if ev.Amount == nil {
		return ""
	}
	decimals := ex.Decimals(ev.Asset)
	return fmt.Sprintf("%s %s %s for %s, balance %s (intent %s)",
		ev.Kind, units.Format(ev.Amount, decimals), symbol(ex, ev.Asset), ev.Account.Hex(),
		units.Format(ev.Balance, decimals), ev.IntentID)
}

func wallet(ex *internal.Exchange, asset domain.Asset, account common.Address) string {
	var balance *uint256.Int
	if asset.IsNative() {
		balance = ex.Chain().NativeBalance(account)
	} else {
		balance = ex.Chain().TokenBalance(asset.Address, account)
	}
	return fmt.Sprintf("wallet %s: %s %s", account.Hex(), units.Format(balance, ex.Decimals(asset)), symbol(ex, asset))
}
