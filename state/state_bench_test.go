package state

import (
	"fmt"
	"strings"
	"testing"
)

func sourceMessage(i int) []byte {
	return []byte(fmt.Sprintf("From: sender-%d@example.com\r\nSubject: note %d\r\n\r\n%s\r\n", i, i, strings.Repeat("x", 2048)))
}

func BenchmarkHash(b *testing.B) {
	raw := sourceMessage(1)
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Hash(raw)
	}
}

// BenchmarkFileTracker_MarkProcessed measures ledger appends during an append run.
func BenchmarkFileTracker_MarkProcessed(b *testing.B) {
	tracker, err := NewFileTracker(b.TempDir(), LedgerName("out/inbox.mbox"), true)
	if err != nil {
		b.Fatal(err)
	}
	defer tracker.Close()

	hashes := make([]string, b.N)
	for i := range hashes {
		hashes[i] = Hash(sourceMessage(i))
	}

	b.ResetTimer()
	for i, hash := range hashes {
		if err := tracker.MarkProcessed(hash, fmt.Sprintf("inbox/%d.eml", i)); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	if err := tracker.Close(); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkFileTracker_Load measures opening a ledger of 10000 sources.
func BenchmarkFileTracker_Load(b *testing.B) {
	dir := b.TempDir()
	tracker, err := NewFileTracker(dir, "", true)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		if err := tracker.MarkProcessed(Hash(sourceMessage(i)), fmt.Sprintf("inbox/%d.eml", i)); err != nil {
			b.Fatal(err)
		}
	}
	if err := tracker.Close(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reopened, err := NewFileTracker(dir, "", false)
		if err != nil {
			b.Fatal(err)
		}
		if !reopened.AlreadyProcessed(Hash(sourceMessage(i % 10000))) {
			b.Fatal("ledger lost an entry")
		}
	}
}
