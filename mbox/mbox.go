// Package mbox reads produced archives back: message by message through
// go-mbox, with the postmark line of every message alongside.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/eml-to-mbox/eml"
)

const separator = "From "

// Postmark is the separator line that starts one archived message.
type Postmark struct {
	Line   string
	Sender string
	Date   string
}

// ParsePostmark splits a "From <sender> <date>" line. ok is false when line
// is not a separator.
func ParsePostmark(line string) (Postmark, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, separator) {
		return Postmark{}, false
	}
	rest := strings.TrimPrefix(line, separator)
	sender, date, _ := strings.Cut(rest, " ")
	return Postmark{Line: line, Sender: sender, Date: strings.TrimSpace(date)}, true
}

// Time parses the postmark date. A trailing numeric zone is honored, a
// missing one means UTC.
func (p Postmark) Time() (time.Time, error) {
	fields := strings.Fields(p.Date)
	if len(fields) < 5 {
		return time.Time{}, fmt.Errorf("postmark date %q: too few fields", p.Date)
	}
	stamp := strings.Join(fields[:5], " ")
	if len(fields) > 5 {
		return time.Parse(eml.MboxDateLayout+" -0700", stamp+" "+fields[5])
	}
	return time.Parse(eml.MboxDateLayout, stamp)
}

// ScanPostmarks returns the separator lines of an archive in order.
func ScanPostmarks(r io.Reader) ([]Postmark, error) {
	br := bufio.NewReader(r)
	var marks []Postmark
	for {
		line, err := br.ReadString('\n')
		if p, ok := ParsePostmark(line); ok {
			marks = append(marks, p)
		}
		if errors.Is(err, io.EOF) {
			return marks, nil
		}
		if err != nil {
			return marks, fmt.Errorf("scan postmarks: %w", err)
		}
	}
}

func parseHeader(raw []byte) (mail.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return mail.Header{}, nil, fmt.Errorf("read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return mail.Header{}, nil, fmt.Errorf("read body: %w", err)
	}
	return mail.Header{Header: message.Header{Header: h}}, body, nil
}

// Message is one archived message as seen by the inspect command.
type Message struct {
	Index    int
	Postmark Postmark
	Header   mail.Header
	Body     []byte
	Raw      []byte
	// ParseErr is set when the header block could not be read; Header is
	// empty then.
	ParseErr error
}

// Read iterates over the messages of the archive at path, calling fn for
// each. An error returned by fn stops the iteration and is returned.
func Read(path string, fn func(m *Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	marks, err := ScanPostmarks(file)
	if err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind mbox: %w", err)
	}
	reader := mboxlib.NewReader(file)

	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		m := &Message{Index: idx, Raw: raw}
		if idx < len(marks) {
			m.Postmark = marks[idx]
		}
		m.Header, m.Body, m.ParseErr = parseHeader(raw)

		if err := fn(m); err != nil {
			return err
		}
	}
}
