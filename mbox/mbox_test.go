package mbox

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/eml-to-mbox/archive"
	"github.com/dhcgn/eml-to-mbox/eml"
)

var sources = []string{
	"From: \"Alice Example\" <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Minutes\r\n" +
		"Message-Id: <minutes-1@example.com>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 PST\r\n" +
		"\r\n" +
		"From the desk of Alice.\r\n" +
		"Regards\r\n",
	"From: bob@example.com\r\n" +
		"Subject: Re: Minutes\r\n" +
		"\r\n" +
		"Thanks.\r\n",
}

var fixedNow = time.Date(2024, time.March, 9, 10, 11, 12, 0, time.UTC)

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	w, err := archive.Open(path, nil)
	if err != nil {
		t.Fatalf("archive.Open() error = %v", err)
	}
	for i, src := range sources {
		tr := eml.NewTransformer(nil)
		if _, err := tr.ReadFrom(strings.NewReader(src)); err != nil {
			t.Fatalf("message %d: ReadFrom() error = %v", i, err)
		}
		lines, err := tr.Finalize(fixedNow)
		if err != nil {
			t.Fatalf("message %d: Finalize() error = %v", i, err)
		}
		if err := w.Write(lines); err != nil {
			t.Fatalf("message %d: Write() error = %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func TestReadRoundTrip(t *testing.T) {
	path := writeArchive(t)

	var got []*Message
	err := Read(path, func(m *Message) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != len(sources) {
		t.Fatalf("Read() returned %d messages, want %d", len(got), len(sources))
	}

	first := got[0]
	if first.ParseErr != nil {
		t.Fatalf("message 0 ParseErr = %v", first.ParseErr)
	}
	if first.Postmark.Sender != "alice@example.com" {
		t.Errorf("postmark sender = %q", first.Postmark.Sender)
	}
	if first.Postmark.Date != "Mon Jan 02 15:04:05 2006 -0800" {
		t.Errorf("postmark date = %q", first.Postmark.Date)
	}
	addrs, err := first.Header.AddressList("From")
	if err != nil || len(addrs) != 1 || addrs[0].Address != "alice@example.com" {
		t.Errorf("From header = %v, %v", addrs, err)
	}
	if subject, _ := first.Header.Subject(); subject != "Minutes" {
		t.Errorf("Subject = %q", subject)
	}
	// go-mbox may or may not unescape; the line must survive either way.
	if !strings.Contains(string(first.Body), "From the desk of Alice.") {
		t.Errorf("body lost the escaped line: %q", first.Body)
	}

	second := got[1]
	if second.Postmark.Sender != "bob@example.com" {
		t.Errorf("second postmark sender = %q", second.Postmark.Sender)
	}
	if second.Postmark.Date != "Sat Mar 09 10:11:12 2024" {
		t.Errorf("second postmark date = %q", second.Postmark.Date)
	}
}

func TestParsePostmark(t *testing.T) {
	tests := []struct {
		line   string
		ok     bool
		sender string
		date   string
	}{
		{"From a@b.c Mon Jan 02 15:04:05 2006 -0800\n", true, "a@b.c", "Mon Jan 02 15:04:05 2006 -0800"},
		{"From a@b.c Sat Mar 09 10:11:12 2024", true, "a@b.c", "Sat Mar 09 10:11:12 2024"},
		{"From: a@b.c", false, "", ""},
		{">From a@b.c", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, ok := ParsePostmark(tt.line)
			if ok != tt.ok || p.Sender != tt.sender || p.Date != tt.date {
				t.Errorf("ParsePostmark() = %+v, %v", p, ok)
			}
		})
	}
}

func TestPostmarkTime(t *testing.T) {
	p := Postmark{Date: "Mon Jan 02 15:04:05 2006 -0800"}
	got, err := p.Time()
	if err != nil {
		t.Fatalf("Time() error = %v", err)
	}
	want := time.Date(2006, time.January, 2, 23, 4, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Time() = %v, want %v", got, want)
	}

	if _, err := (Postmark{Date: "yesterday"}).Time(); err == nil {
		t.Errorf("Time() on garbage succeeded")
	}
}

func TestScanPostmarksIgnoresEscapedLines(t *testing.T) {
	data := "From a@b.c Sat Mar 09 10:11:12 2024\nFrom: a@b.c\n\n>From here\n\nFrom x@y.z Sat Mar 09 10:11:12 2024\n\n"
	marks, err := ScanPostmarks(strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(marks) != 2 || marks[1].Sender != "x@y.z" {
		t.Errorf("ScanPostmarks() = %+v", marks)
	}
}
