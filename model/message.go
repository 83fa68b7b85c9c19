package model

import "time"

// Message is one converted source file on its way to an IMAP folder.
type Message struct {
	// ID is the Message-Id header, or Hash when the header is absent.
	ID string
	// Hash is the SHA-256 of the source file.
	Hash string
	// Source is the file path relative to the scan root, slash separated.
	Source string
	// Folder is the destination folder, slash separated.
	Folder string
	Sender string
	// Date is the postmark date with its zone applied.
	Date time.Time
	Raw  []byte
}

// Key identifies the message in an upload ledger. The same file copied into
// two directories is uploaded to both folders.
func (m Message) Key() string {
	return m.Folder + "/" + m.Hash
}

// Envelope wraps a message alongside an optional error encountered while producing it.
type Envelope struct {
	Message Message
	Err     error
}
