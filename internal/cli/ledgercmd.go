package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tansive/ckansync/internal/ledger"
)

func newLedgerCmd(g *globals) *cobra.Command {
	var hashTable string
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the hash table",
		Long: `The hash table is a datastore table on the portal that maps each resource
id to the hash of the file last loaded into its table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	ledgerCmd.PersistentFlags().StringVarP(&hashTable, "hash-table", "H", "", "Name of the hash table package (default from config)")

	open := func() (*ledger.Ledger, error) {
		store, err := g.store()
		if err != nil {
			return nil, err
		}
		return g.ledgerFor(store, hashTable), nil
	}

	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the hash table package, resource and table if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			tableID, err := l.Ensure(cmd.Context())
			if err != nil {
				return err
			}
			if g.format() != formatText {
				return printValue(cmd.OutOrStdout(), g.format(), map[string]string{
					"package":  l.Package(),
					"table_id": tableID,
				})
			}
			okLabel.Fprintf(cmd.OutOrStdout(), "Hash table ready: %s (table %s)\n", l.Package(), tableID)
			return nil
		},
	})

	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "get RESOURCE_ID",
		Short: "Print the recorded hash of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			lookup, err := l.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.format() != formatText {
				return printValue(w, g.format(), struct {
					ResourceID string `json:"resource_id"`
					ledger.Lookup
				}{args[0], lookup})
			}
			if lookup.Status == ledger.Found {
				fmt.Fprintln(w, lookup.Hash)
				return nil
			}
			warnLabel.Fprintf(w, "No hash recorded: %s\n", lookup.Reason)
			return nil
		},
	})

	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "put RESOURCE_ID HASH",
		Short: "Record the hash of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			if _, err := l.Ensure(cmd.Context()); err != nil {
				return err
			}
			if err := l.Put(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if g.format() != formatText {
				return printValue(cmd.OutOrStdout(), g.format(), ledger.Entry{DatastoreID: args[0], Hash: args[1]})
			}
			okLabel.Fprintf(cmd.OutOrStdout(), "Recorded hash for %s\n", args[0])
			return nil
		},
	})
	return ledgerCmd
}
