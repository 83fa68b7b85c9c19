package eml

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned by Finalize when no usable From: header was seen.
var ErrInvalidMessage = errors.New("message has no From: header with an address")

// DateParseError reports a Date: header whose value could not be turned into a timestamp.
type DateParseError struct {
	Value string
	Err   error
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("bad date %q: %v", e.Value, e.Err)
}

func (e *DateParseError) Unwrap() error { return e.Err }

// MissingDateError reports that the postmark date fell back to the current time
// because the message carried no Date: header.
type MissingDateError struct{}

func (e *MissingDateError) Error() string { return "no Date: header, using current time" }

// EncodingDropError reports characters dropped while decoding the source charset.
type EncodingDropError struct {
	Lines int
}

func (e *EncodingDropError) Error() string {
	return fmt.Sprintf("dropped undecodable characters on %d line(s)", e.Lines)
}

// IsSoft reports whether err is a date degradation that still produced output.
func IsSoft(err error) bool {
	var dpe *DateParseError
	var mde *MissingDateError
	return errors.As(err, &dpe) || errors.As(err, &mde)
}
