// Command exledger operates the exchange balance ledger: deposits, withdrawals and
// balance queries against a simulated chain or an EVM node.
//
// Usage:
//
//	exledger --config config.yaml <command> [args]
//
// Commands:
//
//	deposit-token  <asset> <account> <amount>
//	withdraw-native <account> <amount>
//	withdraw-token <asset> <account> <amount>
//	balance <asset> <account>
//	fees
//	serve  (balance queries and an SSE event stream on http_addr)
//
// Simulate mode only:
//
//	deposit-native <account> <amount>
//	fund <account> <amount>
//	mint <token> <account> <amount>
//	approve <token> <owner> <amount>
//	wallet <asset> <account>
//
// Amounts are given in whole units (1.5 ETH, 10 tokens). In evm mode the custody key is
// read from the environment variable named by custody_key_env.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vadiminshakov/exledger/config"
	"github.com/vadiminshakov/exledger/internal"
)

func main() {
	cfg, args, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}
	if len(args) == 0 {
		log.Fatal("command is required, see exledger --help")
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ex, err := internal.NewExchange(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start exchange", zap.Error(err))
	}

	out, runErr := run(ctx, ex, args[0], args[1:])
	if err := ex.Close(); err != nil {
		logger.Error("failed to close exchange", zap.Error(err))
	}
	if runErr != nil {
		logger.Fatal("command failed", zap.String("command", args[0]), zap.Error(runErr))
	}
	fmt.Println(out)
}
