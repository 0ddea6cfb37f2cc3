package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"mixerls/internal/config"
	"mixerls/internal/spell"
)

// errFindings makes the command exit non-zero without printing a usage banner.
var errFindings = errors.New("misspellings found")

var scanCmd = &cobra.Command{
	Use:           "scan [flags] <file>...",
	Short:         "Report misspellings of TypeScript in files",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runScan,
}

func init() {
	scanCmd.Flags().Int("max-problems", config.DefaultMaxNumberOfProblems, "maximum number of problems reported per file")
}

func runScan(cmd *cobra.Command, args []string) error {
	maxProblems, err := cmd.Flags().GetInt("max-problems")
	if err != nil {
		return fmt.Errorf("failed to get max-problems flag: %w", err)
	}
	colored, err := useColor(cmd, os.Stdout)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	out := cmd.OutOrStdout()
	total := 0
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			return err
		}
		text := string(content)
		findings := spell.Scan(text, maxProblems)
		renderFindings(out, path, text, findings, colored)
		total += len(findings)
	}
	if total > 0 {
		return errFindings
	}
	return nil
}

type scanPalette struct {
	severity *color.Color
	caret    *color.Color
	location *color.Color
}

func newScanPalette(enabled bool) scanPalette {
	p := scanPalette{
		severity: color.New(color.FgYellow, color.Bold),
		caret:    color.New(color.FgGreen, color.Bold),
		location: color.New(color.Bold),
	}
	for _, c := range []*color.Color{p.severity, p.caret, p.location} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// renderFindings prints each finding with its source line and a caret
// underline aligned by display width.
func renderFindings(out io.Writer, path, text string, findings []spell.Finding, colored bool) {
	if len(findings) == 0 {
		return
	}
	palette := newScanPalette(colored)
	lines := strings.Split(text, "\n")
	for _, f := range findings {
		fmt.Fprintf(out, "%s %s: %s\n",
			palette.location.Sprintf("%s:%d:%d:", path, f.Line+1, f.Column+1),
			palette.severity.Sprint(f.Severity.String()),
			f.Message)
		if f.Line >= len(lines) {
			continue
		}
		line := strings.TrimSuffix(lines[f.Line], "\r")
		prefix := expandTabs(line[:f.Offset])
		fmt.Fprintf(out, "  %s\n", expandTabs(line))
		fmt.Fprintf(out, "  %s%s\n",
			strings.Repeat(" ", runewidth.StringWidth(prefix)),
			palette.caret.Sprint(strings.Repeat("^", f.Length)))
	}
}

func expandTabs(s string) string {
	return strings.ReplaceAll(s, "\t", "    ")
}
