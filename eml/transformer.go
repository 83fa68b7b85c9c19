// Package eml turns a single internet-mail message file into the lines of an
// mbox entry: a synthesized "From " postmark line, the original lines with
// body "From" lines escaped, and a terminating blank line.
package eml

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/encoding"
)

var (
	fromHeader = regexp.MustCompile(`^From:(\s|$)`)
	dateHeader = regexp.MustCompile(`^Date:\s`)
)

type phase int

const (
	// scanning headers for the sender; "From" lines are left alone
	phaseSender phase = iota
	// sender captured; lines starting with "From" are escaped
	phaseBody
)

// Transformer accumulates the lines of one message. It is not safe for
// concurrent use and must not be reused after Finalize.
type Transformer struct {
	enc encoding.Encoding

	phase   phase
	lines   []string
	escaped []int
	sender  string
	date    string
	when    time.Time
	pending string
	held    bool
	done    bool

	dateFailed bool
	lossyLines int
	issues     []error
}

// NewTransformer returns a transformer decoding lines from enc. A nil enc
// selects ISO-8859-1.
func NewTransformer(enc encoding.Encoding) *Transformer {
	// index 0 is reserved for the postmark line
	return &Transformer{enc: enc, lines: make([]string, 1, 64)}
}

// Feed consumes one physical line of the source file, with or without its
// line terminator.
func (t *Transformer) Feed(raw []byte) {
	line, lossy := Decode(t.enc, trimEOL(raw))
	if lossy {
		t.lossyLines++
	}
	t.FeedString(line)
}

// ReadFrom feeds every line of r. A last line without terminator is fed too.
func (t *Transformer) ReadFrom(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var n int64
	for {
		line, err := br.ReadBytes('\n')
		n += int64(len(line))
		if len(line) > 0 {
			t.Feed(line)
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// FeedString consumes one already decoded line.
func (t *Transformer) FeedString(line string) {
	if trimmed, ok := strings.CutSuffix(line, "\n"); ok {
		line = strings.TrimSuffix(trimmed, "\r")
	}

	escaped := t.phase == phaseBody && strings.HasPrefix(line, "From")
	if escaped {
		line = ">" + line
	}

	if t.held {
		fragment := t.pending
		t.pending, t.held = "", false
		if isContinuation(line) {
			line = fragment + " " + strings.TrimLeft(line, " \t")
		} else {
			t.lines = append(t.lines, fragment)
		}
	}

	if t.phase == phaseSender && fromHeader.MatchString(line) {
		if !t.captureSender(line) {
			// value wraps onto the next physical line
			t.pending, t.held = line, true
			return
		}
	}

	if t.date == "" && dateHeader.MatchString(line) {
		t.captureDate(line)
	}

	if escaped {
		t.escaped = append(t.escaped, len(t.lines))
	}
	t.lines = append(t.lines, line)
}

// captureSender records the sender address from a From: header line and
// reports whether the line carried one.
func (t *Transformer) captureSender(line string) bool {
	if !strings.Contains(line, "@") {
		return false
	}
	std := StandardizeFrom(strings.Replace(line, "From:", "From", 1))
	// the separator after "From" may be any whitespace
	t.sender = strings.TrimSpace(std[len("From"):])
	t.phase = phaseBody
	return true
}

// captureDate records the postmark date from a Date: header line. Failures
// are kept as soft issues and leave the date unset.
func (t *Transformer) captureDate(line string) {
	value := dateHeader.ReplaceAllString(line, "")
	when, zone, err := ParseDate(value)
	if err != nil {
		// later Date: lines are still tried, but one message raises one issue
		if !t.dateFailed {
			t.issues = append(t.issues, &DateParseError{Value: strings.TrimSpace(value), Err: err})
		}
		t.dateFailed = true
		return
	}
	t.date = FormMboxDate(when, zone)
	t.when = Instant(when, zone)
}

// Sender returns the captured sender address, or "" if none has been seen yet.
func (t *Transformer) Sender() string { return t.sender }

// Date returns the captured postmark date, or "" if none has parsed yet.
func (t *Transformer) Date() string { return t.date }

// Time returns the instant of the postmark date with its zone applied. It is
// zero until a Date: line parsed or Finalize supplied the fallback.
func (t *Transformer) Time() time.Time { return t.when }

// Issues returns the soft errors recorded so far: date degradations and
// dropped characters. They never prevent output.
func (t *Transformer) Issues() []error {
	issues := append([]error(nil), t.issues...)
	if t.lossyLines > 0 {
		issues = append(issues, &EncodingDropError{Lines: t.lossyLines})
	}
	return issues
}

// Finalize completes the message. It returns ErrInvalidMessage when no
// sender was found; otherwise the postmark line, every fed line and a final
// empty line. now supplies the fallback date when no Date: header parsed.
func (t *Transformer) Finalize(now time.Time) ([]string, error) {
	if t.held {
		t.lines = append(t.lines, t.pending)
		t.pending, t.held = "", false
	}
	if t.sender == "" {
		return nil, ErrInvalidMessage
	}
	if t.date == "" {
		if !t.dateFailed {
			t.issues = append(t.issues, &MissingDateError{})
		}
		t.date = FormMboxDate(now, "")
		t.when = now
	}
	t.lines[0] = "From " + t.sender + " " + t.date
	t.lines = append(t.lines, "")
	t.done = true
	return t.lines, nil
}

// Message returns the finalized message as a standalone RFC 5322 file: no
// postmark line, body escapes undone, every line ending in CRLF. It returns
// nil before a successful Finalize.
func (t *Transformer) Message() []byte {
	if !t.done {
		return nil
	}
	var b bytes.Buffer
	next := 0
	for i := 1; i < len(t.lines)-1; i++ {
		line := t.lines[i]
		if next < len(t.escaped) && t.escaped[next] == i {
			line = line[1:]
			next++
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func isContinuation(line string) bool {
	return line != "" && (line[0] == ' ' || line[0] == '\t')
}

func trimEOL(raw []byte) []byte {
	n := len(raw)
	if n > 0 && raw[n-1] == '\n' {
		n--
		if n > 0 && raw[n-1] == '\r' {
			n--
		}
	}
	return raw[:n]
}
