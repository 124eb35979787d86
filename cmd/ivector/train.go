package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ivector "github.com/ieee0824/ivector-go"
	"github.com/ieee0824/ivector-go/acoustic"
)

func newTrainCommand() *cobra.Command {
	var (
		manifestPath string
		configPath   string
		ubmPath      string
		diagUBMPath  string
		outPath      string
		reportPath   string
		iterations   int
		textFormat   bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the ivector extractor with EM over a corpus",
		Long: `Train the ivector extractor. Each iteration accumulates sufficient
statistics over every manifest utterance in parallel, then re-estimates
the projections, weights, variances and the prior. Interrupting the run
stops it at the next utterance boundary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadFileConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("iterations") {
				cfg.Training.NumIterations = iterations
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

			ex, err := ivector.NewExtractor(cfg.extractorOptions(), fgmm)
			if err != nil {
				return err
			}
			slog.Default().Info("starting extractor training",
				"utterances", len(entries),
				"ivector_dim", ex.IvectorDim(),
				"num_gauss", ex.NumGauss(),
				"iterations", cfg.Training.NumIterations)

			report, trainErr := ivector.Train(ctx, ex, fgmm, dgmm, manifestCorpus(entries, cfg), cfg.trainOptions())
			if report != nil && reportPath != "" {
				if err := writeFile(reportPath, func(w io.Writer) error {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}); err != nil {
					return err
				}
			}
			if trainErr != nil {
				return trainErr
			}

			if err := writeFile(outPath, func(w io.Writer) error {
				return ex.Write(w, !textFormat)
			}); err != nil {
				return err
			}
			slog.Default().Info("wrote extractor", "path", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "utterance manifest (utt-id [speaker-id] wav-path per line)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&ubmPath, "ubm", "final.ubm", "full-covariance background model")
	cmd.Flags().StringVar(&diagUBMPath, "diag-ubm", "", "diagonal model for Gaussian preselection (optional)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "final.ie", "output path for the trained extractor")
	cmd.Flags().StringVar(&reportPath, "report", "", "write the per-iteration report as JSON to this path")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "override the number of EM iterations")
	cmd.Flags().BoolVar(&textFormat, "text", false, "write the extractor as JSON instead of msgpack")
	cmd.MarkFlagRequired("manifest")

	return cmd
}
