package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/facematch/internal/matcher"
	"github.com/andresmejia3/facematch/internal/types"
	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/spf13/cobra"
)

var findOpts Options

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Look up the main face of an image in the stored gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		findOpts.DetectionThreshold = detectionThreshold(cmd, findOpts)
		return runFind(cmd.Context(), args[0], findOpts)
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.Threshold, "threshold", "t", matcher.DefaultThreshold, "Face matching threshold")
	findCmd.Flags().Float64VarP(&findOpts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string, opts Options) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}

	eng, err := startEngine(ctx, opts.DetectionThreshold)
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer eng.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := eng.detector.DetectAll(ctx, imgData)
	if err != nil {
		eng.showError("Face detection failed", err)
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the most confident face.\n", len(faces))
	}
	best := types.Primary(faces)

	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	id, dist, err := db.FindClosestIdentity(ctx, best.Descriptor, opts.Threshold)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}
	if id == -1 {
		fmt.Println("❌ No match found in database.")
		return nil
	}

	identities, err := db.ListIdentities(ctx)
	if err != nil {
		utils.ShowError("Failed to retrieve identity", err, nil)
		return err
	}
	name := fmt.Sprintf("Identity %d", id)
	for _, ident := range identities {
		if ident.ID == id {
			name = ident.Name
			break
		}
	}
	fmt.Printf("✅ Found Match: %s (ID: %d, distance %.4f)\n", name, id, dist)
	return nil
}
