// Command credsetup stores exchange API credentials in the execguard vault through an
// interactive terminal form.
//
// Usage:
//
//	credsetup --config config.yaml
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vadiminshakov/execguard/config"
	"github.com/vadiminshakov/execguard/internal/credentials"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/exchange"
	"github.com/vadiminshakov/execguard/internal/setup"
	"github.com/vadiminshakov/execguard/internal/vault"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	opts := []vault.Option{vault.WithLogger(zap.NewNop())}
	if key := cfg.EncryptionKey(); key != "" {
		cipher, err := vault.NewCipher(key)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts = append(opts, vault.WithCipher(cipher))
	} else {
		fmt.Fprintf(os.Stderr, "warning: %s is not set, credentials will be stored unencrypted\n", cfg.Credentials.EncryptionKeyEnv)
	}

	svc := credentials.NewService(vault.Open(cfg.StateDir, opts...), nil, map[domain.AccountType]exchange.Dialer{
		domain.AccountTypeSpot:    exchange.DialBinanceSpot,
		domain.AccountTypeFutures: exchange.DialBinanceFutures,
	})

	if err := setup.RunTUI(context.Background(), svc); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
