// Package cli implements ledgerctl, the operator tool for the credit ledger.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/creditledger/internal/app"
	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/logger"
)

type cli struct {
	ledger   *app.App
	backend  string
	logLevel string
}

// NewRootCommand builds the ledgerctl command tree. Each invocation opens the
// configured store in PersistentPreRunE and closes it when the command returns.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the credit ledger",
		Long: `ledgerctl runs ledger operations directly against the configured store.
Configuration comes from the TOML file named by LEDGER_CONFIG and the usual
environment variables (DB_SOURCE, LEDGER_BACKEND, SQLITE_PATH, ...).`,
		SilenceUsage:      true,
		PersistentPreRunE: c.open,
	}
	root.PersistentFlags().StringVar(&c.backend, "backend", "", "Override the configured backend (postgres | sqlite | memory)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		c.migrateCmd(),
		c.resolveCmd(),
		c.reconcileCmd(),
		c.balanceCmd(),
		c.grantCmd(),
		c.refundCmd(),
		c.entriesCmd(),
		c.deactivateCmd(),
	)
	for _, sub := range root.Commands() {
		run := sub.RunE
		sub.RunE = func(cmd *cobra.Command, args []string) error {
			defer c.close()
			return run(cmd, args)
		}
	}
	return root
}

func (c *cli) open(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWith(func(cfg *config.Config) {
		if c.backend != "" {
			cfg.Backend = c.backend
		}
		if c.logLevel != "" {
			cfg.LogLevel = c.logLevel
		}
	})
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel)
	log.SetOutput(cmd.ErrOrStderr())

	c.ledger, err = app.New(cmd.Context(), cfg, log)
	return err
}

func (c *cli) close() {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Close(); err != nil {
		c.ledger.Log.WithError(err).Warn("close store")
	}
	c.ledger = nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
