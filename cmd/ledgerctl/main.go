package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/config"
	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// errDiscrepancy makes the process exit with status 2 after a failed
// verification has been printed.
var errDiscrepancy = errors.New("ledger verification found a discrepancy")

var (
	cfgFile string
	v       = config.New()
	verbose bool
)

func main() {
	err := rootCmd.Execute()
	switch {
	case errors.Is(err, errDiscrepancy):
		os.Exit(2)
	case err != nil:
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate and audit the fraud-decision ledger",
	Long: `ledgerctl reads, appends to and verifies the fraud-decision ledger.

Local commands open the configured store directly (ledger.yaml, LEDGER_HMAC_KEY,
STORAGE_DRIVER, DATABASE_URL ...). The remote commands talk to a running
ledgerd over HTTP.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./ledger.yaml or configs/ledger.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store activity to stderr")
	rootCmd.PersistentFlags().String("driver", "", "storage driver: postgres, sqlite or memory")
	rootCmd.PersistentFlags().String("database-url", "", "postgres connection URL")
	rootCmd.PersistentFlags().String("sqlite-path", "", "sqlite database file")
	_ = v.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("driver"))
	_ = v.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("sqlite.path", rootCmd.PersistentFlags().Lookup("sqlite-path"))

	rootCmd.AddCommand(verifyCmd, latestCmd, blockCmd, appendCmd, heartbeatCmd)
	rootCmd.AddCommand(keygenCmd, tokenCmd, remoteCmd)
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openLedger opens the configured store and returns a Ledger over it. The
// HMAC key is required: ledgerctl never invents one.
func openLedger(ctx context.Context) (*ledger.Ledger, func(), error) {
	cfg := config.FromViper(v)
	key, err := cfg.Key()
	if err != nil {
		return nil, nil, fmt.Errorf("ledger.hmac_key (LEDGER_HMAC_KEY): %w", err)
	}
	chainer, err := ledger.NewChainer(key)
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger()
	store, err := ledger.NewStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	l := ledger.New(store, chainer, logger, ledger.WithMaxRetries(cfg.MaxRetries))
	return l, func() {
		store.Close()
		_ = logger.Sync()
	}, nil
}

func printJSON(x any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(x)
}
