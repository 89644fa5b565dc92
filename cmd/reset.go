package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the stored gallery",
	Long:  "Drops the identity and descriptor tables. They are recreated empty on the next database use.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		reader := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		if !resetYes && !confirm(reader, out, "⚠️  Are you sure you want to DROP all gallery tables?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		fmt.Fprintln(out, "🗑️  Clearing Database...")
		if err := db.Reset(cmd.Context()); err != nil {
			utils.ShowError("Failed to reset database", err, nil)
			return err
		}
		fmt.Fprintln(out, "✨ Gallery Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
