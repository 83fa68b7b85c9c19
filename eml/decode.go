package eml

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// DefaultCharset is the source encoding assumed for message files.
const DefaultCharset = "iso-8859-1"

// LookupCharset resolves an IANA charset name. The empty name selects DefaultCharset.
func LookupCharset(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, DefaultCharset) || strings.EqualFold(name, "latin1") {
		return charmap.ISO8859_1, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("charset %q: not supported", name)
	}
	return enc, nil
}

// Decode converts raw bytes in enc to UTF-8. Characters that cannot be
// represented are dropped and reported through lossy. Decode never fails.
func Decode(enc encoding.Encoding, raw []byte) (text string, lossy bool) {
	if enc == nil {
		enc = charmap.ISO8859_1
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		// decoders replace what they cannot map; an error here means the
		// whole buffer was rejected, fall back to keeping valid UTF-8 only
		return strings.ToValidUTF8(string(raw), ""), true
	}
	if !strings.ContainsRune(string(out), utf8.RuneError) {
		return string(out), false
	}
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError {
			return -1
		}
		return r
	}, string(out)), true
}
