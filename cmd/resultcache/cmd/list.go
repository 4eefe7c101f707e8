package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <store-path>",
	Short: "List entries in a store",
	Long:  "Print every stored config with its content key, one per line, ordered by key.",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	entries, err := newCache().ListAll(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		cfg, err := json.Marshal(e.Config)
		if err != nil {
			return fmt.Errorf("config %s: %w", e.ID, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", e.ID, cfg)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "(no entries)")
	}
	return nil
}
