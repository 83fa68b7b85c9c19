package filter

import (
	"strings"
	"testing"
)

var benchRaw = []byte("From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: Quarterly report\r\n" +
	"Date: Sat, 09 Mar 2024 10:11:12 +0100\r\n" +
	"\r\n" +
	strings.Repeat("The quarterly numbers are attached.\r\n", 40))

func benchAllowsRaw(b *testing.B, opts Options) {
	f, err := New(opts)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(benchRaw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.AllowsRaw(benchRaw)
	}
}

func BenchmarkAllowsRaw(b *testing.B) {
	cases := []struct {
		name string
		opts Options
	}{
		{"inactive", Options{}},
		{"include_header", Options{IncludeHeader: []string{`(?m)^From:.*@example\.com`}}},
		{"exclude_header", Options{ExcludeHeader: []string{`(?mi)^Subject:.*newsletter`}}},
		{"include_many", Options{IncludeHeader: []string{
			`(?m)^From:.*@example\.com`,
			`(?m)^Subject:.*Quarterly`,
			`(?m)^To:.*bob@`,
		}}},
		{"body", Options{IncludeBody: []string{`numbers.*attached`}}},
	}
	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			benchAllowsRaw(b, tc.opts)
		})
	}
}

func BenchmarkSplitRawMessage(b *testing.B) {
	b.SetBytes(int64(len(benchRaw)))
	for i := 0; i < b.N; i++ {
		SplitRawMessage(benchRaw)
	}
}
