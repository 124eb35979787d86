package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	ivector "github.com/ieee0824/ivector-go"
	"github.com/ieee0824/ivector-go/archive"
)

type modelInfo struct {
	FeatDim     int     `json:"feat_dim"`
	IvectorDim  int     `json:"ivector_dim"`
	NumGauss    int     `json:"num_gauss"`
	PriorOffset float64 `json:"prior_offset"`
	Weights     string  `json:"weights"`
}

type archiveInfo struct {
	Ivectors     int `json:"ivectors"`
	Speakers     int `json:"speakers"`
	SpeakerMeans int `json:"speaker_means"`
}

func newInfoCommand() *cobra.Command {
	var (
		modelPath  string
		archiveDir string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Describe a trained extractor or an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelPath == "" && archiveDir == "" {
				return errors.New("either --model or --archive is required")
			}
			out := cmd.OutOrStdout()

			var mi *modelInfo
			if modelPath != "" {
				var ex *ivector.Extractor
				if err := readFile(modelPath, func(r io.Reader) error {
					var err error
					ex, err = ivector.ReadExtractor(r)
					return err
				}); err != nil {
					return err
				}
				weights := "static"
				if ex.IvectorDependentWeights() {
					weights = "projection"
				}
				mi = &modelInfo{
					FeatDim:     ex.FeatDim(),
					IvectorDim:  ex.IvectorDim(),
					NumGauss:    ex.NumGauss(),
					PriorOffset: ex.PriorOffset,
					Weights:     weights,
				}
			}

			var ai *archiveInfo
			if archiveDir != "" {
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				arc, err := archive.Open(archiveDir)
				if err != nil {
					return err
				}
				defer arc.Close()

				ai = &archiveInfo{}
				speakers := make(map[string]struct{})
				for rec, err := range arc.Ivectors(ctx) {
					if err != nil {
						return err
					}
					ai.Ivectors++
					if rec.SpeakerID != "" {
						speakers[rec.SpeakerID] = struct{}{}
					}
				}
				ai.Speakers = len(speakers)
				for _, err := range arc.SpeakerMeans(ctx) {
					if err != nil {
						return err
					}
					ai.SpeakerMeans++
				}
			}

			if asJSON {
				payload := struct {
					Model   *modelInfo   `json:"model,omitempty"`
					Archive *archiveInfo `json:"archive,omitempty"`
				}{mi, ai}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}
			if mi != nil {
				fmt.Fprintf(out, "feature dim:\t%d\n", mi.FeatDim)
				fmt.Fprintf(out, "ivector dim:\t%d\n", mi.IvectorDim)
				fmt.Fprintf(out, "components:\t%d\n", mi.NumGauss)
				fmt.Fprintf(out, "prior offset:\t%g\n", mi.PriorOffset)
				fmt.Fprintf(out, "weights:\t%s\n", mi.Weights)
			}
			if ai != nil {
				fmt.Fprintf(out, "ivectors:\t%d\n", ai.Ivectors)
				fmt.Fprintf(out, "speakers:\t%d\n", ai.Speakers)
				fmt.Fprintf(out, "speaker means:\t%d\n", ai.SpeakerMeans)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "trained extractor to describe")
	cmd.Flags().StringVarP(&archiveDir, "archive", "a", "", "archive directory to describe")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	return cmd
}
