package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dhcgn/eml-to-mbox/config"
	"github.com/dhcgn/eml-to-mbox/convert"
	"github.com/dhcgn/eml-to-mbox/eml"
	"github.com/dhcgn/eml-to-mbox/filter"
	"github.com/dhcgn/eml-to-mbox/imap"
	"github.com/dhcgn/eml-to-mbox/progress"
	"github.com/dhcgn/eml-to-mbox/runner"
	"github.com/dhcgn/eml-to-mbox/stats"
)

// NewPushCmd returns the push subcommand.
func NewPushCmd() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "push [root]",
		Short: "Convert a tree of .eml/.mai files and store it in IMAP folders",
		Long: "Walks root like a conversion run and appends every message to the IMAP folder\n" +
			"named after its directory instead of writing mbox files. A relative root resolves\n" +
			"against the working directory.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPushConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := SetupLogger(cfg.LogLevel, cfg.LogDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting push", "root", cfg.Root, "host", cfg.IMAPHost, "prefix", cfg.FolderPrefix, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			summary, err := Push(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if summary.Errors > 0 {
				return fmt.Errorf("%d operations failed, last error: %v", summary.Errors, summary.LastError)
			}
			return nil
		},
	}

	if err := config.RegisterPushFlags(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// emitter forwards converter events into the push event stream.
type emitter struct {
	r *runner.Runner
}

func (e *emitter) StartDirectory(string, int) {}
func (e *emitter) FinishDirectory()           {}

func (e *emitter) Update(evt stats.Event) {
	if e.r != nil {
		e.r.Emit(evt)
	}
}

// Push converts the tree of cfg and uploads the messages through the staged
// pipeline: converter, ledger check and IMAP uploader.
func Push(ctx context.Context, cfg config.PushConfig, logger *slog.Logger) (stats.Summary, error) {
	f, err := filter.New(cfg.Filter())
	if err != nil {
		return stats.Summary{}, fmt.Errorf("create filter: %w", err)
	}
	enc, err := eml.LookupCharset(cfg.Charset)
	if err != nil {
		return stats.Summary{}, err
	}
	security, err := imap.ParseSecurity(cfg.Security)
	if err != nil {
		return stats.Summary{}, err
	}

	forward := &emitter{}
	conv, err := convert.New(convert.Options{
		Root:     cfg.Root,
		ErrorDir: cfg.ErrorDir,
		Encoding: enc,
		DryRun:   cfg.DryRun,
		Filter:   f,
		Observer: forward,
	}, nil, logger)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("convert.New: %w", err)
	}
	total, err := conv.Count(ctx)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("count messages: %w", err)
	}

	uploader, err := imap.NewUploader(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		Security:           security,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Prefix:             cfg.FolderPrefix,
	}, logger)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("imap.NewUploader: %w", err)
	}

	r, err := runner.New(ctx, runner.Options{
		StateDir: cfg.StateDir,
		Ledger:   runner.LedgerName(cfg.IMAPHost, cfg.IMAPUser, cfg.FolderPrefix),
		DryRun:   cfg.DryRun,
	}, logger)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("runner.New: %w", err)
	}
	forward.r = r

	bar := progress.New(progress.Enabled(cfg.LogLevel, cfg.NoProgress))
	reporter := progress.NewProgressReporter(r, bar, cfg.Root, total, r.Uploaded(), logger)

	err = r.Run(conv.Stream, uploader)
	return reporter.Summary(), err
}
