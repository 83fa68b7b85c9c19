package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	cmdpkg "github.com/dhcgn/eml-to-mbox/cmd"
	"github.com/dhcgn/eml-to-mbox/config"
	"github.com/dhcgn/eml-to-mbox/convert"
	"github.com/dhcgn/eml-to-mbox/eml"
	"github.com/dhcgn/eml-to-mbox/filter"
	"github.com/dhcgn/eml-to-mbox/progress"
	"github.com/dhcgn/eml-to-mbox/prompt"
	"github.com/dhcgn/eml-to-mbox/stats"
)

func main() {
	rootCmd, err := newRootCmd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "eml2mbox [root] [scan]",
		Short: "Convert directories of .eml/.mai files into one mbox archive per directory",
		Long: "Walks root (default: the program's directory) and writes every directory holding\n" +
			".eml or .mai files to <out>/<relative dir>.mbox. A relative root resolves against the\n" +
			"working directory. Any second argument scans without writing.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := cmdpkg.SetupLogger(cfg.LogLevel, cfg.LogDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			summary, err := run(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return exitStatus(summary, cfg.Strict)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		return nil, err
	}

	pushCmd, err := cmdpkg.NewPushCmd()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(cmdpkg.NewInspectCmd(), pushCmd)
	return rootCmd, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (stats.Summary, error) {
	enc, err := eml.LookupCharset(cfg.Charset)
	if err != nil {
		return stats.Summary{}, err
	}
	f, err := filter.New(cfg.Filter())
	if err != nil {
		return stats.Summary{}, fmt.Errorf("create filter: %w", err)
	}
	policy, err := prompt.FromName(cfg.OnConflict)
	if err != nil {
		return stats.Summary{}, err
	}

	opts := convert.Options{
		Root:     cfg.Root,
		SaveRoot: cfg.SaveRoot,
		ErrorDir: cfg.ErrorDir,
		Encoding: enc,
		DryRun:   cfg.DryRun,
		StateDir: cfg.StateDir,
		Filter:   f,
	}
	bar := progress.New(progress.Enabled(cfg.LogLevel, cfg.NoProgress))
	if bar.Active() {
		opts.Observer = bar
	}

	conv, err := convert.New(opts, policy, logger)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("convert.New: %w", err)
	}

	started := time.Now()
	summary, err := conv.Run(ctx)
	if bar.Active() {
		progress.PrintSummary(summary, time.Since(started))
	}
	return summary, err
}

// exitStatus turns a finished run into the command result. Failed file or
// archive operations always fail the command; invalid messages and date
// fallbacks only with strict.
func exitStatus(summary stats.Summary, strict bool) error {
	if summary.Errors > 0 {
		return fmt.Errorf("%d operations failed, last error: %v", summary.Errors, summary.LastError)
	}
	if strict && (summary.Invalid > 0 || summary.SoftErrors > 0) {
		return fmt.Errorf("%d invalid messages and %d soft errors (--strict)", summary.Invalid, summary.SoftErrors)
	}
	return nil
}
