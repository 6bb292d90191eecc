package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coalescejpeg/coalesce/coalesce"
)

func newEncodeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode <in.jpg> <out.clj>",
		Short: "Recompress a JPEG into a Coalesce (.clj) artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncode(v, args[0], args[1])
		},
	}
	cmd.Flags().Int("threads", 0, "number of bands/goroutines (0 = runtime.NumCPU())")
	cmd.Flags().Bool("verify", false, "round-trip verify the output before exiting")
	v.BindPFlag("threads", cmd.Flags().Lookup("threads"))
	v.BindPFlag("verify", cmd.Flags().Lookup("verify"))
	return cmd
}

func runEncode(v *viper.Viper, inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", inPath)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", outPath)
	}
	defer out.Close()

	threads := v.GetInt("threads")
	bar := progressbar.DefaultBytes(-1, "encoding")
	defer bar.Close()

	var metrics coalesce.Metrics
	if threads > 0 {
		metrics, err = coalesce.EncodeWithMetrics(in, out, threads)
	} else {
		metrics, err = coalesce.EncodeWithMetrics(in, out, defaultThreadCount())
	}
	if err != nil {
		return errors.Wrap(err, "encoding")
	}
	bar.Set64(int64(metrics.CompressedBytes))

	log.Info().
		Int("bands", metrics.BandCount).
		Int("original_bytes", metrics.OriginalBytes).
		Int("compressed_bytes", metrics.CompressedBytes).
		Msg("encode complete")

	if v.GetBool("verify") {
		if err := verifyFile(inPath, outPath); err != nil {
			return errors.Wrap(err, "post-encode verification")
		}
		log.Info().Msg("verification passed")
	}

	return nil
}
