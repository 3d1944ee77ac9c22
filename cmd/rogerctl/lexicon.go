package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLexiconCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lexicon",
		Short: "Work with lexicon files",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a lexicon file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				lexiconPath = file
			}
			lib, err := loadLexicon()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ Lexicon invalid\n")
				return err
			}
			source := lexiconPath
			if source == "" {
				source = "embedded default"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Lexicon valid: %s\n", source)
			fmt.Fprintf(out, "  Version: %d (%s)\n", lib.Version, lib.Locale)
			fmt.Fprintf(out, "  Emotions: %d\n", len(lib.Emotions))
			fmt.Fprintf(out, "  Fallbacks: %d general, %d crisis\n", len(lib.Fallbacks), len(lib.CrisisFallbacks))
			return nil
		},
	}
	validate.Flags().StringVarP(&file, "file", "f", "", "lexicon file to validate (default: --lexicon or embedded)")

	cmd.AddCommand(validate)
	return cmd
}
