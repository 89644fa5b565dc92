package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facematch/internal/store"
	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		db, err := openDB(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		identities, err := db.ListIdentities(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to list identities", err, nil)
			return err
		}
		printIdentities(os.Stdout, identities)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func printIdentities(out io.Writer, identities []store.Identity) {
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTORS\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----------\t-------")

	for _, id := range identities {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", id.ID, id.Name, id.Count, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
