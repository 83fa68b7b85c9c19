package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Stage string

const (
	StageConvert Stage = "convert"
	StageArchive Stage = "archive"
	StageQueue   Stage = "queue"
	StageIMAP    Stage = "imap"
)

type EventType string

const (
	EventTypeScanned        EventType = "scanned"
	EventTypeConverted      EventType = "converted"
	EventTypeInvalid        EventType = "invalid"
	EventTypeSoftError      EventType = "soft_error"
	EventTypeEncodingDrop   EventType = "encoding_drop"
	EventTypeFiltered       EventType = "filtered"
	EventTypeQuarantined    EventType = "quarantined"
	EventTypeArchiveOpened  EventType = "archive_opened"
	EventTypeArchiveSkipped EventType = "archive_skipped"
	EventTypeEnqueued       EventType = "enqueued"
	EventTypeUploaded       EventType = "uploaded"
	EventTypeDryRunUpload   EventType = "dry_run_uploaded"
	EventTypeDuplicate      EventType = "duplicate"
	EventTypeError          EventType = "error"
)

// Event is one structured record of something that happened during a run.
type Event struct {
	Stage     Stage
	Type      EventType
	Path      string
	Archive   string
	MessageID string
	Err       error
	Detail    string
}

func (e Event) String() string {
	subject := e.Path
	if subject == "" {
		subject = e.MessageID
	}
	if subject == "" {
		subject = e.Archive
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s %s: %v", e.Stage, e.Type, subject, e.Err)
	}
	return fmt.Sprintf("%s %s %s", e.Stage, e.Type, subject)
}

type Summary struct {
	Scanned         int
	Converted       int
	Invalid         int
	SoftErrors      int
	EncodingDrops   int
	Filtered        int
	Quarantined     int
	ArchivesOpened  int
	ArchivesSkipped int
	Enqueued        int
	Uploaded        int
	DryRunUploaded  int
	Duplicates      int
	Errors          int
	LastError       error
	// Issues keeps every invalid, soft-error and error event in order.
	Issues []Event
}

// Failed reports whether any message was lost or any operation failed.
func (s Summary) Failed() bool {
	return s.Invalid > 0 || s.Errors > 0
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"converted", s.Converted,
		"invalid", s.Invalid,
		"softErrors", s.SoftErrors,
		"filtered", s.Filtered,
		"duplicates", s.Duplicates,
		"errors", s.Errors,
	}
	if s.Uploaded > 0 || s.DryRunUploaded > 0 || s.Enqueued > 0 {
		attrs = append(attrs, "enqueued", s.Enqueued, "uploaded", s.Uploaded, "dryRunUploaded", s.DryRunUploaded)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Record(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.Issues = append([]Event(nil), c.summary.Issues...)
	c.mu.Unlock()
	return summary
}

// Record applies one event to the running summary.
func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeConverted:
		c.summary.Converted++
	case EventTypeInvalid:
		c.summary.Invalid++
		c.summary.Issues = append(c.summary.Issues, evt)
	case EventTypeSoftError:
		c.summary.SoftErrors++
		c.summary.Issues = append(c.summary.Issues, evt)
	case EventTypeEncodingDrop:
		c.summary.EncodingDrops++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeQuarantined:
		c.summary.Quarantined++
	case EventTypeArchiveOpened:
		c.summary.ArchivesOpened++
	case EventTypeArchiveSkipped:
		c.summary.ArchivesSkipped++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeUploaded:
		c.summary.Uploaded++
	case EventTypeDryRunUpload:
		c.summary.DryRunUploaded++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeError:
		c.summary.Errors++
		c.summary.Issues = append(c.summary.Issues, evt)
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// EventStream hands the events of a pipeline to named subscribers.
type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Pair is one counted key.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties ordered by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
