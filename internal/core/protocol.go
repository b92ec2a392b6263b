package core

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cardpilot/card-agent/internal/logging"
)

// Fixed APDU commands. These are protocol constants, not runtime
// configuration.
var (
	// selectAPDU selects the card application by identifier 42 00.
	selectAPDU = []byte{0x00, 0xA4, 0x00, 0x00, 0x02, 0x42, 0x00}
	// cardNumberAPDU is the vendor-specific card number query.
	cardNumberAPDU = []byte{0x90, 0x4C, 0x00, 0x00, 0x04}
	// presenceAPDU is the reader-native get-UID probe used as a presence
	// check; it is not card-application-specific.
	presenceAPDU = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
)

// Success status word for all three commands.
const (
	swOK1 = 0x90
	swOK2 = 0x00
)

// CanonicalLength is the length of a full-width card number in hex
// characters (8 bytes).
const CanonicalLength = 16

// Engine drives the APDU conversation on one session. Callers must hold the
// session gate across a probe/select/query sequence.
type Engine struct {
	session *Session
}

func NewEngine(session *Session) *Engine {
	return &Engine{session: session}
}

// CheckPresence sends the get-UID probe and reports whether a card answered
// with SW 9000. It is a best-effort poll: it never returns an error, and the
// session has already spent its single reconnect+retry by the time a
// transient fault surfaces here.
func (e *Engine) CheckPresence() bool {
	_, sw1, sw2, err := e.session.Transmit(presenceAPDU)
	if err != nil {
		return false
	}
	return sw1 == swOK1 && sw2 == swOK2
}

// SelectApplication transmits the fixed SELECT APDU. On success it returns
// the response payload, which may already encode the card number.
func (e *Engine) SelectApplication() ([]byte, error) {
	data, sw1, sw2, err := e.session.Transmit(selectAPDU)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSelectFailed, err)
	}
	if sw1 != swOK1 || sw2 != swOK2 {
		logging.Warn(logging.CatCard, "SELECT rejected", map[string]any{
			"sw": fmt.Sprintf("%02X %02X", sw1, sw2),
		})
		return nil, fmt.Errorf("%w: status %02X %02X", ErrSelectFailed, sw1, sw2)
	}
	logging.Debug(logging.CatCard, "SELECT ok", map[string]any{
		"response": hex.EncodeToString(data),
	})
	return data, nil
}

// QueryCardNumber transmits the secondary card-number query APDU.
func (e *Engine) QueryCardNumber() ([]byte, error) {
	data, sw1, sw2, err := e.session.Transmit(cardNumberAPDU)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if sw1 != swOK1 || sw2 != swOK2 {
		logging.Warn(logging.CatCard, "Card number query rejected", map[string]any{
			"sw": fmt.Sprintf("%02X %02X", sw1, sw2),
		})
		return nil, fmt.Errorf("%w: status %02X %02X", ErrQueryFailed, sw1, sw2)
	}
	logging.Debug(logging.CatCard, "Card number query ok", map[string]any{
		"response": hex.EncodeToString(data),
	})
	return data, nil
}

// ExtractCardNumber decodes a card number from a response payload using a
// tiered rule matched to observed card layouts:
//
//	len >= 24: bytes 8..15 hold an 8-byte identifier after an 8-byte header;
//	           bytes past 16 are other metadata and discarded.
//	len >= 4:  the first 4 bytes are the identifier.
//	len 1..3:  encode whatever is present (defensive tier, unreachable
//	           behind the len<4 guard).
//
// The true field offset and width are card-type dependent and the layout is
// not documented per ISO/IEC 14443; the tiering is an observed heuristic and
// must be preserved as-is, not "fixed". Output is uppercase hex with no
// separators.
func ExtractCardNumber(response []byte) (string, bool) {
	if len(response) < 4 {
		return "", false
	}
	switch {
	case len(response) >= 24:
		return hexUpper(response[8:16]), true
	case len(response) >= 4:
		return hexUpper(response[:4]), true
	default:
		return hexUpper(response), true
	}
}

// IsCanonical reports whether s is a full-width card number: exactly 16
// uppercase hex characters. Shorter tier results fail this and interactive
// callers may reject them before auto-triggering delivery.
func IsCanonical(s string) bool {
	if len(s) != CanonicalLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
