package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ieee0824/ivector-go/acoustic"
	"github.com/ieee0824/ivector-go/audio"
)

func newUBMCommand() *cobra.Command {
	var (
		manifestPath  string
		configPath    string
		fullOut       string
		diagOut       string
		textFormat    bool
		speedPerturbs []float64
	)

	cmd := &cobra.Command{
		Use:   "ubm",
		Short: "Train the diagonal and full-covariance background models",
		Long: `Train the universal background model on the manifest utterances.
A diagonal-covariance mixture is trained first and used both to
initialize the full-covariance model and for fast Gaussian
preselection during extractor training. With --speed-perturb the
training data also includes rate-perturbed copies of every utterance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFileConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("speed-perturb") {
				cfg.UBM.SpeedPerturbs = speedPerturbs
			}
			for _, f := range cfg.UBM.SpeedPerturbs {
				if f <= 0 {
					return fmt.Errorf("speed perturb factor must be positive, got %g", f)
				}
			}
			entries, err := readManifest(manifestPath)
			if err != nil {
				return err
			}
			logger := slog.Default().With("component", "ubm")

			var frames [][]float64
			for _, entry := range entries {
				samples, err := readUtteranceWAV(entry, cfg)
				if err != nil {
					return err
				}
				feats, err := utteranceFeatures(samples, cfg)
				if err != nil {
					return fmt.Errorf("utterance %s: %w", entry.UtteranceID, err)
				}
				frames = append(frames, feats...)
				logger.Debug("loaded utterance", "utterance", entry.UtteranceID, "frames", len(feats))
				for _, f := range cfg.UBM.SpeedPerturbs {
					feats, err := utteranceFeatures(audio.SpeedPerturb(samples, f), cfg)
					if err != nil {
						return fmt.Errorf("utterance %s (speed %g): %w", entry.UtteranceID, f, err)
					}
					frames = append(frames, feats...)
				}
			}
			logger.Info("training diagonal background model",
				"utterances", len(entries), "frames", len(frames), "components", cfg.UBM.NumComponents)

			diag, err := acoustic.TrainDiag(frames, cfg.ubmTrainConfig())
			if err != nil {
				return err
			}
			logger.Info("training full-covariance background model")
			full, err := acoustic.TrainFull(frames, diag, cfg.ubmTrainConfig())
			if err != nil {
				return err
			}

			if err := writeFile(diagOut, func(w io.Writer) error {
				return acoustic.WriteDiagGMM(w, diag, !textFormat)
			}); err != nil {
				return err
			}
			if err := writeFile(fullOut, func(w io.Writer) error {
				return acoustic.WriteFullGMM(w, full, !textFormat)
			}); err != nil {
				return err
			}
			logger.Info("wrote background models", "full", fullOut, "diag", diagOut)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "utterance manifest (utt-id [speaker-id] wav-path per line)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&fullOut, "full-out", "final.ubm", "output path for the full-covariance model")
	cmd.Flags().StringVar(&diagOut, "diag-out", "final.dubm", "output path for the diagonal model")
	cmd.Flags().BoolVar(&textFormat, "text", false, "write models as JSON instead of msgpack")
	cmd.Flags().Float64SliceVar(&speedPerturbs, "speed-perturb", nil, "extra speed factors for data augmentation (e.g. 0.9,1.1)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}
