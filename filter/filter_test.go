package filter

import (
	"testing"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"Subject: Quarterly"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Quarterly report\nFrom: \"Alice\" <alice@example.com>\n")
	body := []byte("This is the message body")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (header matches)")
	}

	headerNoMatch := []byte("Subject: Lunch\nFrom: bob@example.com\n")
	if f.Allows(headerNoMatch, body) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeHeader: []string{"(?i)newsletter"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Normal Message\nFrom: sender@example.com\n")
	body := []byte("This is the message body")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (not a newsletter)")
	}

	headerSpam := []byte("Subject: Weekly Newsletter\nFrom: news@example.com\n")
	if f.Allows(headerSpam, body) {
		t.Error("Expected message to be filtered out (newsletter)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	}
	_, err := New(opts)
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	opts := Options{}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Any Message\n")
	body := []byte("Any body content")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	opts := Options{
		IncludeBody: []string{"important"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Message\n")
	bodyMatch := []byte("This is an important message")
	bodyNoMatch := []byte("This is a regular message")

	if !f.Allows(header, bodyMatch) {
		t.Error("Expected message to be allowed (body matches)")
	}

	if f.Allows(header, bodyNoMatch) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{
			name:       "CRLF separator",
			raw:        []byte("Header: value\r\n\r\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "LF separator",
			raw:        []byte("Header: value\n\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "No separator",
			raw:        []byte("All header content"),
			wantHeader: []byte("All header content"),
			wantBody:   nil,
		},
		{
			name:       "Empty message",
			raw:        []byte{},
			wantHeader: nil,
			wantBody:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			if string(gotHeader) != string(tt.wantHeader) {
				t.Errorf("SplitRawMessage() header = %q, want %q", gotHeader, tt.wantHeader)
			}
			if string(gotBody) != string(tt.wantBody) {
				t.Errorf("SplitRawMessage() body = %q, want %q", gotBody, tt.wantBody)
			}
		})
	}
}

func TestFilter_AllowsRawAndStats(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"^X-Spam: yes", "(?m)^Subject: .*unsubscribe"}, ExcludeBody: []string{"lottery"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"plain", "From: a@b.c\r\nSubject: hi\r\n\r\nlunch?\r\n", true},
		{"spam flag", "X-Spam: yes\nFrom: a@b.c\n\nhello\n", false},
		{"body", "From: a@b.c\n\nyou won the lottery\n", false},
		{"body pattern in header only", "Subject: lottery\n\nhello\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.AllowsRaw([]byte(tt.raw)); got != tt.want {
				t.Errorf("AllowsRaw() = %v, want %v", got, tt.want)
			}
		})
	}

	stats := f.GetStats()
	if len(stats.ExcludeHeaderPatterns) != 2 || len(stats.ExcludeBodyPatterns) != 1 {
		t.Fatalf("GetStats() patterns = %+v", stats)
	}
	if stats.Hits["^X-Spam: yes"] != 1 || stats.Hits["lottery"] != 1 {
		t.Errorf("GetStats().Hits = %v", stats.Hits)
	}
}

func TestFilter_NilAllowsEverything(t *testing.T) {
	var f *Filter
	if !f.AllowsRaw([]byte("From: a@b.c\n\nbody\n")) {
		t.Error("nil filter rejected a message")
	}
	if (Options{}).Active() {
		t.Error("empty Options reported active")
	}
	if !(Options{IncludeBody: []string{"x"}}).Active() {
		t.Error("Options with a body pattern reported inactive")
	}
}
