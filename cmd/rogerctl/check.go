package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CVMHW/roger/internal/config"
	"github.com/CVMHW/roger/internal/correction"
	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/pipeline"
)

type checkOptions struct {
	candidate   string
	input       string
	historyFile string
	asJSON      bool
}

func newCheckCmd() *cobra.Command {
	var opts checkOptions
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify one candidate reply and print the delivered text",
		Example: `  rogerctl check --input "I've been feeling depressed" \
    --candidate "You're feeling neutral about this."`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.candidate, "candidate", "", "candidate reply to verify")
	cmd.Flags().StringVar(&opts.input, "input", "", "user input the candidate answers")
	cmd.Flags().StringVar(&opts.historyFile, "history", "", "YAML list of prior utterances ({role, text})")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print text and diagnostics as JSON")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// noDelay skips the response delay; the delay is still reported.
func noDelay(context.Context, time.Duration) error { return nil }

func runCheck(ctx context.Context, out io.Writer, opts checkOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lib, err := loadLexicon()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	history, err := readHistory(opts.historyFile)
	if err != nil {
		return err
	}

	p, err := pipeline.Build(lib, cfg.Pipeline, nil, []correction.Option{correction.WithSleeper(noDelay)})
	if err != nil {
		return err
	}
	text, diag := p.Run(ctx, pipeline.Input{
		Candidate: opts.candidate,
		UserInput: opts.input,
		History:   history,
	})

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Text        string             `json:"text"`
			Diagnostics domain.Diagnostics `json:"diagnostics"`
		}{text, diag})
	}
	printDiagnostics(out, text, diag)
	return nil
}

func readHistory(path string) ([]domain.Utterance, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var history []domain.Utterance
	if err := yaml.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", path, err)
	}
	for i := range history {
		history[i].Seq = i
		if history[i].Role != domain.RoleUser && history[i].Role != domain.RoleAgent {
			return nil, fmt.Errorf("history entry %d: unknown role %q", i, history[i].Role)
		}
	}
	return history, nil
}

func printDiagnostics(out io.Writer, text string, diag domain.Diagnostics) {
	fmt.Fprintln(out, text)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "action:       %s\n", diag.Action)
	fmt.Fprintf(out, "final action: %s\n", diag.FinalAction)
	fmt.Fprintf(out, "confidence:   %.3f\n", diag.Confidence)
	if diag.Delay > 0 {
		fmt.Fprintf(out, "delay:        %s\n", diag.Delay.Round(time.Millisecond))
	}
	if diag.CrisisInput {
		fmt.Fprintln(out, "crisis input: yes")
	}
	if diag.FallbackIndex >= 0 {
		fmt.Fprintf(out, "fallback:     #%d\n", diag.FallbackIndex)
	}
	for _, is := range diag.Issues {
		fmt.Fprintf(out, "issue:        %s/%s raw=%.2f penalty=%.3f\n", is.Category, is.Rule, is.RawScore, is.Penalty)
	}
	for _, c := range diag.Corrections {
		fmt.Fprintf(out, "correction:   %s (%s)\n", c.Stage, c.Reason)
	}
	if len(diag.Failures) > 0 {
		fmt.Fprintf(out, "failures:     %s\n", strings.Join(diag.Failures, ", "))
	}
}
