package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename an enrolled identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid identity ID %q: %w", args[0], err)
		}
		name := strings.TrimSpace(args[1])
		if name == "" {
			return errors.New("name must not be empty")
		}
		cmd.SilenceUsage = true

		db, err := openDB(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		if err := db.RenameIdentity(cmd.Context(), id, name); err != nil {
			utils.ShowError("Failed to label identity", err, nil)
			return err
		}

		fmt.Printf("✅ Identity %d labeled as '%s'\n", id, name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
