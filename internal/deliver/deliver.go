// Package deliver hands canonical card numbers to a consuming surface.
package deliver

import (
	"github.com/atotto/clipboard"

	"github.com/cardpilot/card-agent/internal/logging"
)

// Sink delivers a card number to one surface and reports success. A failed
// delivery never invalidates the read that produced the number.
type Sink interface {
	Name() string
	Deliver(text string) bool
}

// Clipboard copies card numbers to the system clipboard.
type Clipboard struct{}

func (Clipboard) Name() string { return "clipboard" }

func (Clipboard) Deliver(text string) bool {
	if err := clipboard.WriteAll(text); err != nil {
		logging.Warn(logging.CatCard, "Clipboard copy failed", map[string]any{
			"error": err.Error(),
		})
		return false
	}
	logging.Debug(logging.CatCard, "Copied to clipboard", map[string]any{
		"text": text,
	})
	return true
}

// FocusedField would type the number into the focused input field. The
// capability is best-effort and no platform backend is wired in, so it
// reports failure and callers fall back to the clipboard.
type FocusedField struct{}

func (FocusedField) Name() string { return "focused-field" }

func (FocusedField) Deliver(text string) bool {
	logging.Debug(logging.CatCard, "Focused-field injection not available", nil)
	return false
}

// Null discards deliveries. Used in tests and headless setups that only
// want the history ledger.
type Null struct{}

func (Null) Name() string { return "null" }

func (Null) Deliver(text string) bool { return true }
