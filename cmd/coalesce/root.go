package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// newRootCmd builds the coalesce CLI command tree: encode, decode, verify.
// Flags are bound through viper so COALESCE_* environment variables and an
// optional config file (--config, default ./coalesce.yaml) can supply the
// same settings as flags, with flags always taking precedence.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("coalesce")
	v.AutomaticEnv()
	v.SetDefault("threads", 0)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("16bit", true)

	var cfgFile string

	root := &cobra.Command{
		Use:   "coalesce",
		Short: "Lossless JPEG recompressor",
		Long: "coalesce re-entropy-codes the DCT coefficients of a baseline or " +
			"progressive JPEG under a context-adaptive arithmetic coder, " +
			"producing a smaller artifact that decodes back to the exact " +
			"original bytes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			} else {
				v.SetConfigName("coalesce")
				v.SetConfigType("yaml")
				v.AddConfigPath(".")
			}
			if err := v.ReadInConfig(); err != nil {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && cfgFile != "" {
					return errors.Wrap(err, "reading config file")
				}
			}
			configureLogging(v.GetString("log-level"), v.GetString("log-format"))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./coalesce.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "console", "log output format: console or json")
	v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log-format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newEncodeCmd(v))
	root.AddCommand(newDecodeCmd(v))
	root.AddCommand(newVerifyCmd(v))

	return root
}

func configureLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(format, "json") {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func printSize(label string, n int) string {
	return fmt.Sprintf("%s: %d bytes", label, n)
}
