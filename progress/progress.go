// Package progress draws pterm progress bars and the end-of-run report.
package progress

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/dhcgn/eml-to-mbox/stats"
)

// Enabled reports whether bars should be drawn: only at info level, only
// when stdout is a terminal, and not when the user opted out.
func Enabled(logLevel string, noProgress bool) bool {
	return !noProgress && logLevel == "info" && term.IsTerminal(int(os.Stdout.Fd()))
}

// Bar manages one progress bar at a time, one per directory or archive.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	out     io.Writer
	mu      sync.Mutex
	enabled bool
}

// New creates a bar that stays silent unless enabled.
func New(enabled bool) *Bar {
	return &Bar{enabled: enabled, out: os.Stdout}
}

// Active reports whether b draws anything.
func (b *Bar) Active() bool {
	return b != nil && b.enabled
}

// StartDirectory opens a bar over total files for dir.
func (b *Bar) StartDirectory(dir string, total int) {
	b.start(filepath.Base(dir), total)
}

func (b *Bar) start(title string, total int) {
	if !b.Active() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		_, _ = b.pb.Stop()
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithWriter(b.out).
		Start()
	if err != nil {
		b.pb = nil
		return
	}
	b.pb = pb
}

// Update advances the bar on every scanned message and prints problems
// above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.Active() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeInvalid:
		pterm.Warning.Printf("Invalid: %s\n", evt.Path)
	case stats.EventTypeSoftError:
		pterm.Warning.Printf("%s: %v\n", evt.Path, evt.Err)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// FinishDirectory closes the current bar.
func (b *Bar) FinishDirectory() {
	if !b.Active() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		if b.pb.Current < b.pb.Total {
			b.pb.Current = b.pb.Total
		}
		_, _ = b.pb.Stop()
		b.pb = nil
	}
}

// PrintSummary prints the end-of-run report. Every invalid message, soft
// error and failure is listed after the counters.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))

	rows := [][]string{{"", "count"}}
	add := func(label string, n int) {
		rows = append(rows, []string{label, humanize.Comma(int64(n))})
	}
	if summary.Scanned > 0 {
		add("Scanned", summary.Scanned)
		add("Converted", summary.Converted)
		add("Invalid", summary.Invalid)
		add("Soft errors", summary.SoftErrors)
		add("Encoding drops", summary.EncodingDrops)
		add("Filtered", summary.Filtered)
		add("Quarantined", summary.Quarantined)
		add("Archives written", summary.ArchivesOpened)
		add("Archives skipped", summary.ArchivesSkipped)
	}
	if summary.Enqueued > 0 || summary.Uploaded > 0 || summary.DryRunUploaded > 0 {
		add("Enqueued", summary.Enqueued)
		add("Uploaded", summary.Uploaded)
		add("Dry-run uploaded", summary.DryRunUploaded)
	}
	add("Duplicates (skipped)", summary.Duplicates)
	add("Errors", summary.Errors)
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	for _, issue := range summary.Issues {
		switch issue.Type {
		case stats.EventTypeSoftError:
			pterm.Warning.Println(issue.String())
		default:
			pterm.Error.Println(issue.String())
		}
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if !summary.Failed() {
		pterm.Success.Println("Every scanned message was archived")
	}
}

// ProgressReporter follows a push: it drives the bar and collects
// the summary from the same event channel.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
	done      chan struct{}
}

// NewProgressReporter subscribes to stream. total is the number of source
// files below root, alreadyDone the number of messages earlier pushes
// stored.
func NewProgressReporter(stream stats.EventStream, bar *Bar, root string, total, alreadyDone int, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
		done:      make(chan struct{}),
	}

	if bar.Active() {
		pterm.Info.Printf("Message files below %s: %s\n", filepath.Base(root), humanize.Comma(int64(total)))
		pterm.Info.Printf("Already uploaded: %s\n", humanize.Comma(int64(alreadyDone)))
		bar.start("Uploading "+filepath.Base(root), total)
	}
	stream.SubscribeStats("progress", reporter.consume)
	return reporter
}

func (pr *ProgressReporter) consume(ctx context.Context, events <-chan stats.Event) error {
	defer close(pr.done)
	for {
		select {
		case <-ctx.Done():
			pr.bar.FinishDirectory()
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				pr.finish()
				return nil
			}
			pr.collector.Record(evt)
			pr.bar.Update(evt)
		}
	}
}

func (pr *ProgressReporter) finish() {
	pr.bar.FinishDirectory()
	summary := pr.collector.Snapshot()
	if pr.logger != nil {
		pr.logger.Info("stats summary", append(summary.LogAttrs(), "duration", time.Since(pr.started))...)
	}
	if pr.bar.Active() {
		PrintSummary(summary, time.Since(pr.started))
	}
}

// Summary waits until the event stream is closed and returns the totals.
func (pr *ProgressReporter) Summary() stats.Summary {
	<-pr.done
	return pr.collector.Snapshot()
}
