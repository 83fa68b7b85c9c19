package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dhcgn/eml-to-mbox/model"
	"github.com/dhcgn/eml-to-mbox/state"
	"github.com/dhcgn/eml-to-mbox/stats"
)

type recordingSink struct {
	uploaded []string
	failOn   string
	closed   bool
}

func (s *recordingSink) Upload(_ context.Context, msg model.Message) error {
	if msg.Source == s.failOn {
		return errors.New("mailbox is full")
	}
	s.uploaded = append(s.uploaded, msg.Source)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func letters(sources ...string) Source {
	return func(ctx context.Context, out chan<- model.Envelope) error {
		for _, src := range sources {
			msg := model.Message{ID: src, Hash: "hash-" + src, Source: src, Folder: "letters"}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- model.Envelope{Message: msg}:
			}
		}
		return nil
	}
}

func newRunner(t *testing.T, opts Options) (*Runner, *stats.Collector) {
	t.Helper()
	r, err := New(context.Background(), opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	collector := stats.NewCollector()
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})
	return r, collector
}

func TestRunSkipsStoredMessages(t *testing.T) {
	opts := Options{StateDir: t.TempDir(), Ledger: LedgerName("imap.example.com", "alice", "")}
	ledger, err := state.NewFileTracker(opts.StateDir, opts.Ledger, true)
	if err != nil {
		t.Fatal(err)
	}
	stored := model.Message{Hash: "hash-a.eml", Folder: "letters"}
	if err := ledger.MarkProcessed(stored.Key(), "a.eml"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatal(err)
	}

	r, collector := newRunner(t, opts)
	if got := r.Uploaded(); got != 1 {
		t.Errorf("Uploaded() = %d, want 1", got)
	}
	sink := &recordingSink{}
	if err := r.Run(letters("a.eml", "b.eml", "c.eml"), sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if strings.Join(sink.uploaded, ",") != "b.eml,c.eml" {
		t.Errorf("uploaded = %v", sink.uploaded)
	}
	if !sink.closed {
		t.Errorf("sink not closed")
	}
	summary := collector.Snapshot()
	if summary.Duplicates != 1 || summary.Enqueued != 2 || summary.Uploaded != 2 {
		t.Errorf("summary = %+v", summary)
	}

	reopened, err := state.NewFileTracker(opts.StateDir, opts.Ledger, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Snapshot().Processed; got != 3 {
		t.Errorf("ledger holds %d entries, want 3", got)
	}
}

func TestRunDryRun(t *testing.T) {
	opts := Options{StateDir: t.TempDir(), Ledger: "dry.jsonl", DryRun: true}
	r, collector := newRunner(t, opts)
	sink := &recordingSink{}
	if err := r.Run(letters("a.eml", "b.eml", "a.eml"), sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sink.uploaded) != 0 {
		t.Errorf("dry run uploaded %v", sink.uploaded)
	}
	summary := collector.Snapshot()
	if summary.DryRunUploaded != 2 || summary.Duplicates != 1 || summary.Uploaded != 0 {
		t.Errorf("summary = %+v", summary)
	}

	reopened, err := state.NewFileTracker(opts.StateDir, opts.Ledger, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Snapshot().Processed; got != 0 {
		t.Errorf("dry run wrote %d ledger entries", got)
	}
}

func TestRunStopsOnUploadError(t *testing.T) {
	r, collector := newRunner(t, Options{StateDir: t.TempDir()})
	sink := &recordingSink{failOn: "b.eml"}
	err := r.Run(letters("a.eml", "b.eml", "c.eml"), sink)
	if err == nil || !strings.Contains(err.Error(), "mailbox is full") {
		t.Fatalf("Run() error = %v, want the upload failure", err)
	}
	if !sink.closed {
		t.Errorf("sink not closed after failure")
	}
	for _, src := range sink.uploaded {
		if src == "c.eml" {
			t.Errorf("upload continued after the failure")
		}
	}
	if s := collector.Snapshot(); s.Errors != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRunStopsOnSourceError(t *testing.T) {
	r, _ := newRunner(t, Options{StateDir: t.TempDir()})
	broken := errors.New("root directory: permission denied")
	src := func(ctx context.Context, out chan<- model.Envelope) error {
		return broken
	}
	if err := r.Run(src, &recordingSink{}); !errors.Is(err, broken) {
		t.Errorf("Run() error = %v, want %v", err, broken)
	}
}

func TestRunRejectsUnhashedMessage(t *testing.T) {
	r, _ := newRunner(t, Options{StateDir: t.TempDir()})
	src := func(ctx context.Context, out chan<- model.Envelope) error {
		out <- model.Envelope{Message: model.Message{Source: "a.eml"}}
		return nil
	}
	if err := r.Run(src, &recordingSink{}); !errors.Is(err, ErrMissingHash) {
		t.Errorf("Run() error = %v, want ErrMissingHash", err)
	}
}

func TestLedgerName(t *testing.T) {
	name := LedgerName("imap.example.com", "alice@example.com", "Archive/2019")
	if name != "push-alice_at_example.com-imap.example.com-Archive_2019.jsonl" {
		t.Errorf("LedgerName() = %q", name)
	}
	if LedgerName("imap.example.com", "alice@example.com", "") == name {
		t.Errorf("LedgerName() ignores the prefix")
	}
}
