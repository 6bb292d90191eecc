package main

import (
	"bytes"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coalescejpeg/coalesce/coalesce"
)

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <in.jpg>",
		Short: "Encode then decode a JPEG in memory and confirm a byte-exact round-trip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyFile(args[0], "")
		},
	}
}

// verifyFile round-trips the JPEG at jpegPath through Encode/Decode. If
// cljPath is non-empty, that already-produced .clj file is decoded and
// compared against jpegPath's original bytes instead of re-encoding.
func verifyFile(jpegPath, cljPath string) error {
	original, err := os.ReadFile(jpegPath)
	if err != nil {
		return errors.Wrapf(err, "reading %s", jpegPath)
	}

	var decoded []byte
	if cljPath != "" {
		cljData, err := os.ReadFile(cljPath)
		if err != nil {
			return errors.Wrapf(err, "reading %s", cljPath)
		}
		decoded, err = coalesce.DecodeCoalesceBytes(cljData)
		if err != nil {
			return errors.Wrap(err, "decoding")
		}
	} else {
		var clj bytes.Buffer
		if err := coalesce.EncodeWithThreads(bytes.NewReader(original), &clj, defaultThreadCount()); err != nil {
			return errors.Wrap(err, "encoding")
		}
		decoded, err = coalesce.DecodeCoalesceBytes(clj.Bytes())
		if err != nil {
			return errors.Wrap(err, "decoding")
		}
		log.Info().Int("clj_bytes", clj.Len()).Msg("round-trip encode/decode complete")
	}

	if !bytes.Equal(original, decoded) {
		return coalesce.NewCoalesceError(coalesce.ExitCodeVerificationContentMismatch,
			"decoded bytes do not match original")
	}

	log.Info().Str("file", jpegPath).Msg("verification passed: byte-exact round-trip")
	return nil
}

func defaultThreadCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 255 {
		return 255
	}
	return n
}
