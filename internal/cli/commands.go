package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// ─── migrate ────────────────────────────────────────────────────────────────

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema and identity tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.ledger.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// ─── resolve / reconcile ────────────────────────────────────────────────────

func (c *cli) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve EMAIL",
		Short: "Resolve an email to its canonical account, creating it on first sight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := c.ledger.Resolver.Resolve(cmd.Context(), domain.Principal{Email: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile EMAIL",
		Short: "Re-read every identity source and apply the reconciled role",
		Long: `Re-read every identity source for EMAIL and apply the reconciled role to
its canonical account. Run this after correcting a conflicting record at its
source.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := c.ledger.Resolver.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
}

// ─── balance / grant / refund ───────────────────────────────────────────────

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance ACCOUNT",
		Short: "Show an account and its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := c.ledger.Ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
}

func (c *cli) grantCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "grant ACCOUNT AMOUNT",
		Short: "Top up an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: amount %q", domain.ErrInvalidAmount, args[1])
			}
			receipt, err := c.ledger.Ledger.Grant(cmd.Context(), args[0], amount, domain.EntryContext{
				Operation: "grant",
				Reason:    reason,
				Params:    map[string]string{"granted_by": "ledgerctl"},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), receipt)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the grant entry")
	return cmd
}

func (c *cli) refundCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund ENTRY",
		Short: "Refund a charge entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: entry id %q", domain.ErrInvalidInput, args[0])
			}
			receipt, err := c.ledger.Ledger.Refund(cmd.Context(), entryID, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), receipt)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded on the refund entry")
	return cmd
}

// ─── entries ────────────────────────────────────────────────────────────────

func (c *cli) entriesCmd() *cobra.Command {
	var (
		limit   int
		before  string
		charges bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "entries ACCOUNT",
		Short: "List an account's usage log, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := domain.ListOptions{Limit: limit}
			if before != "" {
				t, err := time.Parse(time.RFC3339Nano, before)
				if err != nil {
					return fmt.Errorf("%w: --before %q", domain.ErrInvalidInput, before)
				}
				opts.Before = t
			}

			list := c.ledger.Ledger.ListEntries
			if charges {
				list = c.ledger.Ledger.ListCharges
			}
			entries, err := list(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tAMOUNT\tBALANCE\tREFUND_OF\tOPERATION\tCREATED")
			for _, e := range entries {
				refundOf := ""
				if e.RefundOf > 0 {
					refundOf = strconv.FormatInt(e.RefundOf, 10)
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
					e.ID, e.Kind, e.Amount, e.BalanceAfter, refundOf, e.Context.Operation,
					e.CreatedAt.Format(time.RFC3339Nano))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", domain.DefaultListLimit, "Maximum entries to return")
	cmd.Flags().StringVar(&before, "before", "", "Only entries older than this RFC3339 timestamp")
	cmd.Flags().BoolVar(&charges, "charges", false, "Only charge entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

// ─── deactivate ─────────────────────────────────────────────────────────────

func (c *cli) deactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate ACCOUNT",
		Short: "Block further charges and grants on an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.ledger.Ledger.Deactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s deactivated\n", args[0])
			return nil
		},
	}
}
