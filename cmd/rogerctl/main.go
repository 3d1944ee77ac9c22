// rogerctl verifies candidate replies offline and checks lexicon files.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/CVMHW/roger/internal/lexicon"
)

var (
	lexiconPath string
	logLevel    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rogerctl",
		Short: "Inspect and exercise the Roger verification pipeline",
		Long: `rogerctl runs the response verification pipeline outside the server.

Use "check" to verify a single candidate reply and "lexicon validate" to
parse a lexicon file before deploying it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&lexiconPath, "lexicon", os.Getenv("LEXICON_PATH"), "lexicon file (default: embedded)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(newCheckCmd(), newLexiconCmd())
	return root
}

func loadLexicon() (*lexicon.Library, error) {
	lib, err := lexicon.Load(lexiconPath)
	if err != nil {
		return nil, fmt.Errorf("load lexicon: %w", err)
	}
	return lib, nil
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
