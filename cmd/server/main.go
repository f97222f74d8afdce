// Command server runs the vault engine: the HTTP/WebSocket API, the intent
// reconciler and the position change feed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/config"
	"github.com/voltx/vault-engine/internal/logging"
)

const version = "0.3.0"

type rootFlags struct {
	configPath string
	envPath    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "vault-engine",
		Short:         "Volatility vault order and position engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.envPath, "env", ".env", "path to a .env file")

	root.AddCommand(
		newServeCmd(flags),
		newReconcileCmd(flags),
		newScheduleCmd(),
	)
	return root
}

// load reads .env, the config file and builds the logger.
func (f *rootFlags) load() (*config.Config, *zap.Logger, error) {
	if err := config.LoadEnv(f.envPath); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", f.envPath, err)
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, logging.New(cfg.Log), nil
}
