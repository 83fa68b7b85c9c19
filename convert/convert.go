// Package convert walks a directory tree and turns every directory holding
// .eml or .mai files into one mbox archive.
package convert

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding"

	"github.com/dhcgn/eml-to-mbox/archive"
	"github.com/dhcgn/eml-to-mbox/eml"
	"github.com/dhcgn/eml-to-mbox/filter"
	"github.com/dhcgn/eml-to-mbox/model"
	"github.com/dhcgn/eml-to-mbox/state"
	"github.com/dhcgn/eml-to-mbox/stats"
)

// Options configures a conversion run.
type Options struct {
	Root     string
	SaveRoot string
	// ErrorDir receives copies of invalid files; empty disables quarantine.
	ErrorDir string
	Encoding encoding.Encoding
	DryRun   bool
	// StateDir holds one ledger per archive; empty disables duplicate detection.
	StateDir string
	Filter   *filter.Filter
	Now      func() time.Time
	Observer Observer
}

// Observer follows a run directory by directory, e.g. to draw progress.
type Observer interface {
	StartDirectory(dir string, files int)
	Update(evt stats.Event)
	FinishDirectory()
}

type Converter struct {
	opts      Options
	policy    archive.Policy
	logger    *slog.Logger
	collector *stats.Collector
	failed    map[string]bool
}

// New prepares a run over opts.Root. policy decides about archives that
// already exist; nil skips them.
func New(opts Options, policy archive.Policy, logger *slog.Logger) (*Converter, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is empty")
	}
	if opts.Encoding == nil {
		enc, err := eml.LookupCharset(eml.DefaultCharset)
		if err != nil {
			return nil, err
		}
		opts.Encoding = enc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if policy == nil {
		policy = archive.Fixed(archive.ModeSkip)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts.Root = filepath.Clean(opts.Root)
	if opts.SaveRoot != "" {
		opts.SaveRoot = filepath.Clean(opts.SaveRoot)
	}
	if opts.ErrorDir != "" {
		opts.ErrorDir = filepath.Clean(opts.ErrorDir)
	}

	return &Converter{
		opts:      opts,
		policy:    policy,
		logger:    logger,
		collector: stats.NewCollector(),
		failed:    make(map[string]bool),
	}, nil
}

// Run converts the tree. An invalid root aborts with an error; every other
// failure is recorded in the summary and the run continues. A cancelled ctx
// stops the run between files and returns ctx.Err().
func (c *Converter) Run(ctx context.Context) (stats.Summary, error) {
	if c.opts.SaveRoot == "" && !c.opts.DryRun {
		return c.collector.Snapshot(), fmt.Errorf("save root is empty")
	}

	c.logger.Info("conversion started", "root", c.opts.Root, "out", c.opts.SaveRoot, "dryRun", c.opts.DryRun)

	err := c.walk(ctx, c.convertDir)
	summary := c.collector.Snapshot()
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Warn("conversion interrupted", summary.LogAttrs()...)
		}
		return summary, err
	}

	c.logger.Info("conversion finished", summary.LogAttrs()...)
	return summary, nil
}

// Stream converts the tree like Run but sends every message to out instead
// of writing archives. Each message names its folder after the directory it
// came from, the same name its archive would get. out is not closed.
func (c *Converter) Stream(ctx context.Context, out chan<- model.Envelope) error {
	c.logger.Info("streaming conversion started", "root", c.opts.Root)
	return c.walk(ctx, func(ctx context.Context, dir string) error {
		return c.streamDir(ctx, dir, out)
	})
}

// Count returns the number of candidate files below the root, skipping the
// directories a run would skip. Unreadable directories count as empty.
func (c *Converter) Count(ctx context.Context) (int, error) {
	total := 0
	err := filepath.WalkDir(c.opts.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == c.opts.Root {
				return fmt.Errorf("root directory: %w", walkErr)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if c.excluded(path) {
			return filepath.SkipDir
		}
		if files, err := archive.Discover(path); err == nil {
			total += len(files)
		}
		return nil
	})
	return total, err
}

// walk visits the root and every directory below it that is not excluded.
func (c *Converter) walk(ctx context.Context, visit func(context.Context, string) error) error {
	info, err := os.Stat(c.opts.Root)
	if err != nil {
		return fmt.Errorf("root directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", c.opts.Root)
	}

	return filepath.WalkDir(c.opts.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == c.opts.Root {
				return walkErr
			}
			if !c.failed[path] {
				c.failed[path] = true
				c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: path, Err: walkErr})
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if c.excluded(path) {
			c.logger.Debug("directory not scanned", "dir", path)
			return filepath.SkipDir
		}
		return visit(ctx, path)
	})
}

// Summary returns the counters recorded so far.
func (c *Converter) Summary() stats.Summary {
	return c.collector.Snapshot()
}

func (c *Converter) excluded(dir string) bool {
	if dir == c.opts.Root {
		return false
	}
	return (c.opts.SaveRoot != "" && dir == c.opts.SaveRoot) ||
		(c.opts.ErrorDir != "" && dir == c.opts.ErrorDir)
}

func (c *Converter) convertDir(ctx context.Context, dir string) error {
	files, err := archive.Discover(dir)
	if err != nil {
		c.failed[dir] = true
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: dir, Err: err})
		return nil
	}
	if len(files) == 0 {
		c.logger.Debug("no message files", "dir", dir)
		return nil
	}

	target, err := archive.Path(c.opts.SaveRoot, c.opts.Root, dir)
	if err != nil {
		c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Path: dir, Err: err})
		return nil
	}

	var (
		w       *archive.Writer
		tracker *state.FileTracker
	)
	if !c.opts.DryRun {
		w, err = archive.Open(target, c.policy)
		if errors.Is(err, archive.ErrSkipped) {
			c.logger.Info("archive exists, skipped", "archive", target)
			c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchiveSkipped, Path: dir, Archive: target})
			return nil
		}
		if err != nil {
			c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Path: dir, Archive: target, Err: err})
			return nil
		}
		c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchiveOpened, Path: dir, Archive: target, Detail: w.Mode().String()})

		tracker, err = c.openLedger(w)
		if err != nil {
			c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Archive: target, Err: err})
		}
	}

	if c.opts.Observer != nil {
		c.opts.Observer.StartDirectory(dir, len(files))
		defer c.opts.Observer.FinishDirectory()
	}

	var runErr error
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		c.convertFile(file, target, w, tracker)
	}

	if tracker != nil {
		if err := tracker.Close(); err != nil {
			c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Archive: target, Err: err})
		}
	}
	if w != nil {
		if err := w.Close(); err != nil {
			c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Archive: target, Err: err})
		} else {
			c.logger.Info("archive written", "archive", target, "mode", w.Mode(), "messages", w.Messages())
		}
	}
	return runErr
}

func (c *Converter) openLedger(w *archive.Writer) (*state.FileTracker, error) {
	if c.opts.StateDir == "" {
		return nil, nil
	}
	tracker, err := state.NewFileTracker(c.opts.StateDir, state.LedgerName(w.Path()), true)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// a rewritten archive no longer holds what the ledger lists
	if w.Mode() == archive.ModeOverwrite {
		if err := tracker.Reset(); err != nil {
			_ = tracker.Close()
			return nil, fmt.Errorf("reset ledger: %w", err)
		}
	}
	return tracker, nil
}

// converted is a source file that produced a message.
type converted struct {
	raw   []byte
	hash  string
	tr    *eml.Transformer
	lines []string
}

// prepare reads and transforms path, recording every outcome on the way. It
// returns false when the file yields no message: unreadable, filtered,
// already in the ledger or invalid.
func (c *Converter) prepare(path, target string, tracker *state.FileTracker) (converted, bool) {
	c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeScanned, Path: path, Archive: target})

	raw, err := os.ReadFile(path)
	if err != nil {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: path, Err: fmt.Errorf("read message: %w", err)})
		return converted{}, false
	}

	if !c.opts.Filter.AllowsRaw(raw) {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeFiltered, Path: path})
		return converted{}, false
	}

	hash := state.Hash(raw)
	if tracker != nil && tracker.AlreadyProcessed(hash) {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeDuplicate, Path: path, Archive: target})
		return converted{}, false
	}

	tr := eml.NewTransformer(c.opts.Encoding)
	if _, err := tr.ReadFrom(bytes.NewReader(raw)); err != nil {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: path, Err: err})
		return converted{}, false
	}
	lines, err := tr.Finalize(c.opts.Now())
	if err != nil {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeInvalid, Path: path, Err: err})
		c.quarantine(path)
		return converted{}, false
	}

	for _, issue := range tr.Issues() {
		var drop *eml.EncodingDropError
		switch {
		case errors.As(issue, &drop):
			c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeEncodingDrop, Path: path, Err: issue})
		case eml.IsSoft(issue):
			c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeSoftError, Path: path, Err: issue})
		}
	}
	return converted{raw: raw, hash: hash, tr: tr, lines: lines}, true
}

func (c *Converter) convertFile(path, target string, w *archive.Writer, tracker *state.FileTracker) {
	msg, ok := c.prepare(path, target, tracker)
	if !ok {
		return
	}

	if w == nil {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeConverted, Path: path, Archive: target, Detail: msg.tr.Sender()})
		return
	}

	if err := w.Write(msg.lines); err != nil {
		c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Path: path, Archive: target, Err: err})
		return
	}
	if tracker != nil {
		if err := tracker.MarkProcessed(msg.hash, c.relative(path)); err != nil {
			c.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Path: path, Archive: target, Err: err})
		}
	}
	c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeConverted, Path: path, Archive: target, Detail: msg.tr.Sender()})
}

func (c *Converter) streamDir(ctx context.Context, dir string, out chan<- model.Envelope) error {
	files, err := archive.Discover(dir)
	if err != nil {
		c.failed[dir] = true
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: dir, Err: err})
		return nil
	}
	if len(files) == 0 {
		return nil
	}
	folder, err := archive.Name(c.opts.Root, dir)
	if err != nil {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: dir, Err: err})
		return nil
	}

	if c.opts.Observer != nil {
		c.opts.Observer.StartDirectory(dir, len(files))
		defer c.opts.Observer.FinishDirectory()
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		conv, ok := c.prepare(file, folder, nil)
		if !ok {
			continue
		}

		raw := conv.tr.Message()
		msg := model.Message{
			ID:     messageID(raw, conv.hash),
			Hash:   conv.hash,
			Source: c.relative(file),
			Folder: folder,
			Sender: conv.tr.Sender(),
			Date:   conv.tr.Time(),
			Raw:    raw,
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.Envelope{Message: msg}:
		}
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeConverted, Path: file, Archive: folder, MessageID: msg.ID, Detail: msg.Sender})
	}
	return nil
}

// messageID returns the Message-Id of raw, or fallback when the header is
// missing or unreadable.
func messageID(raw []byte, fallback string) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return fallback
	}
	header := mail.Header{Header: message.Header{Header: h}}
	if id, err := header.MessageID(); err == nil && id != "" {
		return id
	}
	return fallback
}

func (c *Converter) relative(path string) string {
	rel, err := filepath.Rel(c.opts.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (c *Converter) quarantine(path string) {
	if c.opts.ErrorDir == "" || c.opts.DryRun {
		return
	}
	dst, err := archive.Quarantine(path, c.opts.Root, c.opts.ErrorDir)
	if err != nil {
		c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: path, Err: err})
		return
	}
	c.record(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeQuarantined, Path: path, Detail: dst})
}

func (c *Converter) record(evt stats.Event) {
	c.collector.Record(evt)
	if c.opts.Observer != nil {
		c.opts.Observer.Update(evt)
	}

	switch evt.Type {
	case stats.EventTypeError:
		c.logger.Error("conversion error", eventAttrs(evt)...)
	case stats.EventTypeInvalid:
		c.logger.Warn("invalid message", eventAttrs(evt)...)
	case stats.EventTypeSoftError:
		c.logger.Warn("message converted with fallback", eventAttrs(evt)...)
	case stats.EventTypeQuarantined:
		c.logger.Info("message quarantined", "path", evt.Path, "copy", evt.Detail)
	case stats.EventTypeEncodingDrop, stats.EventTypeDuplicate, stats.EventTypeFiltered:
		c.logger.Debug(string(evt.Type), eventAttrs(evt)...)
	case stats.EventTypeConverted:
		c.logger.Debug("message converted", "path", evt.Path, "archive", evt.Archive, "sender", evt.Detail)
	}
}

func eventAttrs(evt stats.Event) []any {
	attrs := []any{"stage", evt.Stage}
	if evt.Path != "" {
		attrs = append(attrs, "path", evt.Path)
	}
	if evt.Archive != "" {
		attrs = append(attrs, "archive", evt.Archive)
	}
	if evt.Err != nil {
		attrs = append(attrs, "err", evt.Err)
	}
	return attrs
}
