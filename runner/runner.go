// Package runner moves converted messages from a source through the upload
// ledger into a sink, reporting every step as a stats event.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/eml-to-mbox/model"
	"github.com/dhcgn/eml-to-mbox/state"
	"github.com/dhcgn/eml-to-mbox/stats"
)

var ErrMissingHash = errors.New("message has no source hash")

// Source produces messages into out until it is exhausted. It must not
// close out.
type Source func(ctx context.Context, out chan<- model.Envelope) error

// Sink stores messages somewhere outside the process.
type Sink interface {
	Upload(ctx context.Context, msg model.Message) error
	Close() error
}

type Options struct {
	StateDir string
	// Ledger names the ledger file inside StateDir.
	Ledger string
	// DryRun passes messages through the ledger check without calling the
	// sink or persisting anything.
	DryRun bool
}

// Runner runs one push: source, ledger check and sink as three goroutines
// joined by channels. The first failing stage cancels the others.
type Runner struct {
	opts   Options
	logger *slog.Logger
	ledger *state.FileTracker

	ctx    context.Context
	cancel context.CancelFunc

	events      chan stats.Event
	subscribers sync.WaitGroup

	mu     sync.Mutex
	subErr error
}

// New opens the ledger of opts. The returned runner is bound to ctx.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ledger, err := state.NewFileTracker(opts.StateDir, opts.Ledger, !opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("upload ledger: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		opts:   opts,
		logger: logger,
		ledger: ledger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan stats.Event, 128),
	}, nil
}

// LedgerName returns the ledger file for uploads by user to host below
// prefix.
func LedgerName(host, user, prefix string) string {
	clean := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "@", "_at_")
	name := "push-" + clean.Replace(user) + "-" + clean.Replace(host)
	if prefix != "" {
		name += "-" + clean.Replace(prefix)
	}
	return name + ".jsonl"
}

// Uploaded returns how many messages earlier runs have stored.
func (r *Runner) Uploaded() int {
	return r.ledger.Snapshot().Processed
}

// Emit publishes evt to the subscribers. It drops evt once the runner is
// finished or its context is cancelled.
func (r *Runner) Emit(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats starts fn on the event stream. Every subscriber must be
// registered before Run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers.Add(1)
	go func() {
		defer r.subscribers.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.mu.Lock()
			if r.subErr == nil {
				r.subErr = fmt.Errorf("%s: %w", name, err)
			}
			r.mu.Unlock()
		}
	}()
}

// Run pushes everything src produces into sink and blocks until all stages
// and subscribers are done. The ledger and sink are closed before it
// returns; the runner cannot be reused.
func (r *Runner) Run(src Source, sink Sink) error {
	started := time.Now()
	g, ctx := errgroup.WithContext(r.ctx)
	queue := make(chan model.Envelope, 32)
	ready := make(chan model.Message, 32)

	g.Go(func() error {
		defer close(queue)
		if err := src(ctx, queue); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer close(ready)
		return r.check(ctx, queue, ready)
	})
	g.Go(func() error {
		return r.upload(ctx, ready, sink)
	})

	err := g.Wait()
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close sink: %w", cerr)
	}
	close(r.events)
	r.subscribers.Wait()
	if cerr := r.ledger.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close ledger: %w", cerr)
	}
	r.cancel()

	r.mu.Lock()
	if err == nil {
		err = r.subErr
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("push failed", "duration", time.Since(started), "err", err)
		return err
	}
	r.logger.Info("push completed", "duration", time.Since(started))
	return nil
}

// check drops messages the ledger already holds and copies of a message
// queued earlier in this run.
func (r *Runner) check(ctx context.Context, in <-chan model.Envelope, out chan<- model.Message) error {
	queued := make(map[string]bool)
	for env := range in {
		if env.Err != nil {
			r.Emit(stats.Event{Stage: stats.StageQueue, Type: stats.EventTypeError, Err: env.Err})
			return env.Err
		}
		msg := env.Message
		if msg.Hash == "" {
			err := fmt.Errorf("%s: %w", msg.Source, ErrMissingHash)
			r.Emit(stats.Event{Stage: stats.StageQueue, Type: stats.EventTypeError, Path: msg.Source, Err: err})
			return err
		}
		if queued[msg.Key()] || r.ledger.AlreadyProcessed(msg.Key()) {
			r.Emit(stats.Event{Stage: stats.StageQueue, Type: stats.EventTypeDuplicate, Path: msg.Source, MessageID: msg.ID, Detail: msg.Folder})
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- msg:
		}
		queued[msg.Key()] = true
		r.Emit(stats.Event{Stage: stats.StageQueue, Type: stats.EventTypeEnqueued, Path: msg.Source, MessageID: msg.ID, Detail: msg.Folder})
	}
	return ctx.Err()
}

func (r *Runner) upload(ctx context.Context, in <-chan model.Message, sink Sink) error {
	for msg := range in {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.opts.DryRun {
			r.Emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDryRunUpload, Path: msg.Source, MessageID: msg.ID, Detail: msg.Folder})
			r.logger.Debug("dry-run upload", "source", msg.Source, "folder", msg.Folder, "sender", msg.Sender)
			continue
		}

		if err := sink.Upload(ctx, msg); err != nil {
			err = fmt.Errorf("upload %s: %w", msg.Source, err)
			r.Emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Path: msg.Source, MessageID: msg.ID, Err: err})
			return err
		}
		if err := r.ledger.MarkProcessed(msg.Key(), msg.Source); err != nil {
			r.Emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Path: msg.Source, MessageID: msg.ID, Err: err})
			return err
		}
		r.Emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeUploaded, Path: msg.Source, MessageID: msg.ID, Detail: msg.Folder})
		r.logger.Debug("uploaded message", "source", msg.Source, "folder", msg.Folder, "sender", msg.Sender)
	}
	return ctx.Err()
}
