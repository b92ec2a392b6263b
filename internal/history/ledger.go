// Package history keeps a bounded, deduplicating record of successfully
// read card numbers. Pure in-memory data structure, no I/O.
package history

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the ledger; the oldest entry is evicted first.
const DefaultMaxEntries = 100

// Entry is one recorded read.
type Entry struct {
	CardNumber string `json:"card_number"`
	Timestamp  string `json:"timestamp"` // ISO 8601
	Date       string `json:"date"`      // YYYY-MM-DD
	Time       string `json:"time"`      // HH:MM:SS
}

// Ledger is an append-only list with adjacent-duplicate suppression: an
// entry is appended only if its number differs from the most recently
// appended one. Full-set dedup is deliberately not applied, so the same
// card presented again after another card shows up twice.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	now     func() time.Time
}

func New() *Ledger {
	return &Ledger{max: DefaultMaxEntries, now: time.Now}
}

// NewWithLimit is used by tests that exercise eviction with small bounds.
func NewWithLimit(max int) *Ledger {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Ledger{max: max, now: time.Now}
}

// Append records cardNumber unless it equals the last appended number.
// Returns whether an entry was added.
func (l *Ledger) Append(cardNumber string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n > 0 && l.entries[n-1].CardNumber == cardNumber {
		return false
	}

	now := l.now()
	l.entries = append(l.entries, Entry{
		CardNumber: cardNumber,
		Timestamp:  now.Format(time.RFC3339),
		Date:       now.Format("2006-01-02"),
		Time:       now.Format("15:04:05"),
	})
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	return true
}

// List returns a copy of the entries, most recent first.
func (l *Ledger) List() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear empties the ledger unconditionally.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
