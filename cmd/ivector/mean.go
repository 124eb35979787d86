package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ieee0824/ivector-go/archive"
)

func newMeanCommand() *cobra.Command {
	var (
		archiveDir string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "mean",
		Short: "Compute and store per-speaker mean ivectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			arc, err := archive.Open(archiveDir)
			if err != nil {
				return err
			}
			defer arc.Close()

			means, err := arc.ComputeSpeakerMeans(ctx)
			if err != nil {
				return err
			}
			if len(means) == 0 {
				return fmt.Errorf("archive %s has no ivectors with speaker IDs", archiveDir)
			}
			for _, sm := range means {
				if err := arc.PutSpeakerMean(ctx, sm); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(means); err != nil {
					return err
				}
			} else {
				for _, sm := range means {
					fmt.Fprintf(out, "%s\t%d\n", sm.SpeakerID, sm.NumUtterances)
				}
			}
			slog.Default().Info("stored speaker means", "speakers", len(means), "archive", archiveDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&archiveDir, "archive", "a", "", "archive directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the means as JSON")
	cmd.MarkFlagRequired("archive")

	return cmd
}
