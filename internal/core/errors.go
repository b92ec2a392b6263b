package core

import "errors"

// Fault taxonomy for a single read attempt. None of these require tearing
// down the session; only an explicit Disconnect does that.
var (
	// ErrNoReaderFound means reader enumeration came back empty. The caller
	// should prompt for a hardware check.
	ErrNoReaderFound = errors.New("no card reader found")

	// ErrNotConnected means no session is open. Routine before POST /connect.
	ErrNotConnected = errors.New("reader not connected")

	// ErrNoCard means the presence probe failed. Routine during polling and
	// never logged as an error.
	ErrNoCard = errors.New("no card detected")

	// ErrBusy means another exchange is already in flight on the channel.
	// The caller should retry later.
	ErrBusy = errors.New("another card operation is in progress")

	// ErrSelectFailed is a command-level rejection of the SELECT APDU
	// (non-9000 status). The connection remains usable.
	ErrSelectFailed = errors.New("card select rejected")

	// ErrQueryFailed is a command-level rejection of the card-number query.
	ErrQueryFailed = errors.New("card number query rejected")

	// ErrExtractionFailed means both the SELECT response and the query
	// fallback produced no decodable card number.
	ErrExtractionFailed = errors.New("card number extraction failed")
)
