package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	ivector "github.com/ieee0824/ivector-go"
	"github.com/ieee0824/ivector-go/acoustic"
	"github.com/ieee0824/ivector-go/archive"
)

func newExtractCommand() *cobra.Command {
	var (
		manifestPath   string
		configPath     string
		modelPath      string
		ubmPath        string
		diagUBMPath    string
		archiveDir     string
		acousticWeight float64
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract ivectors for a manifest and archive them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadFileConfig(configPath)
			if err != nil {
				return err
			}
			entries, err := readManifest(manifestPath)
			if err != nil {
				return err
			}

			fgmm, err := loadFullGMM(ubmPath)
			if err != nil {
				return err
			}
			var dgmm *acoustic.DiagGMM
			if diagUBMPath != "" {
				dgmm, err = loadDiagGMM(diagUBMPath)
				if err != nil {
					return err
				}
			}
			var ex *ivector.Extractor
			if err := readFile(modelPath, func(r io.Reader) error {
				var err error
				ex, err = ivector.ReadExtractor(r)
				return err
			}); err != nil {
				return err
			}
			if ex.FeatDim() != fgmm.Dim() {
				return fmt.Errorf("extractor feature dim %d does not match background model dim %d",
					ex.FeatDim(), fgmm.Dim())
			}

			estOpts := cfg.estimationOptions()
			if cmd.Flags().Changed("acoustic-weight") {
				estOpts.AcousticWeight = acousticWeight
			}

			arc, err := archive.Open(archiveDir)
			if err != nil {
				return err
			}
			defer arc.Close()

			logger := slog.Default().With("component", "extract")
			for _, entry := range entries {
				feats, err := loadUtterance(entry, cfg)
				if err != nil {
					return err
				}
				iv, err := ivector.ExtractIvector(ex, fgmm, dgmm, feats, estOpts)
				if err != nil {
					return fmt.Errorf("utterance %s: %w", entry.UtteranceID, err)
				}
				rec := archive.Record{
					UtteranceID: entry.UtteranceID,
					SpeakerID:   entry.SpeakerID,
					NumFrames:   float64(len(feats)),
					Ivector:     iv,
				}
				if err := arc.PutIvector(ctx, rec); err != nil {
					return err
				}
				logger.Debug("archived ivector", "utterance", entry.UtteranceID, "frames", len(feats))
			}
			logger.Info("archived ivectors", "utterances", len(entries), "archive", archiveDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "utterance manifest (utt-id [speaker-id] wav-path per line)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&modelPath, "model", "final.ie", "trained extractor")
	cmd.Flags().StringVar(&ubmPath, "ubm", "final.ubm", "full-covariance background model")
	cmd.Flags().StringVar(&diagUBMPath, "diag-ubm", "", "diagonal model for Gaussian preselection (optional)")
	cmd.Flags().StringVarP(&archiveDir, "archive", "a", "", "archive directory")
	cmd.Flags().Float64Var(&acousticWeight, "acoustic-weight", 1.0, "scale on the acoustic evidence; smaller pulls ivectors toward the prior")
	cmd.MarkFlagRequired("manifest")
	cmd.MarkFlagRequired("archive")

	return cmd
}
