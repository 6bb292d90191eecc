package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coalescejpeg/coalesce/coalesce"
)

func newDecodeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <in.clj> <out.jpg>",
		Short: "Reconstruct the original JPEG from a Coalesce (.clj) artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(args[0], args[1])
		},
	}
}

func runDecode(inPath, outPath string) error {
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

	if err := coalesce.DecodeCoalesce(in, out); err != nil {
		return errors.Wrap(err, "decoding")
	}

	info, err := out.Stat()
	if err == nil {
		log.Info().Int64("bytes", info.Size()).Msg("decode complete")
	}

	return nil
}
