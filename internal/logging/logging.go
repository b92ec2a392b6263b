// Package logging provides an in-memory ring-buffer logger with categories
// and levels. Entries are kept in memory so the /v1/logs endpoint can serve
// them back; they are mirrored to stderr for development.
package logging

import (
	"log"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Category tags an entry with the subsystem that produced it.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is one buffered log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

var (
	mu       sync.Mutex
	entries  []Entry
	capacity = 1000
	minLevel = LevelInfo
)

// Init sets the buffer size and minimum level. Call once at startup;
// logging before Init uses the defaults.
func Init(bufferSize int, min Level) {
	mu.Lock()
	defer mu.Unlock()
	if bufferSize > 0 {
		capacity = bufferSize
	}
	minLevel = min
	entries = nil
}

func logAt(level Level, cat Category, msg string, fields map[string]any) {
	mu.Lock()
	if level < minLevel {
		mu.Unlock()
		return
	}
	entries = append(entries, Entry{
		Time:     time.Now(),
		Level:    level.String(),
		Category: cat,
		Message:  msg,
		Fields:   fields,
	})
	if len(entries) > capacity {
		entries = entries[len(entries)-capacity:]
	}
	mu.Unlock()

	if fields != nil {
		log.Printf("[%s] %s: %s %v", level, cat, msg, fields)
	} else {
		log.Printf("[%s] %s: %s", level, cat, msg)
	}
}

func Debug(cat Category, msg string, fields map[string]any) { logAt(LevelDebug, cat, msg, fields) }
func Info(cat Category, msg string, fields map[string]any)  { logAt(LevelInfo, cat, msg, fields) }
func Warn(cat Category, msg string, fields map[string]any)  { logAt(LevelWarn, cat, msg, fields) }
func Error(cat Category, msg string, fields map[string]any) { logAt(LevelError, cat, msg, fields) }

// Entries returns up to limit buffered entries, newest first. An empty
// category matches everything.
func Entries(limit int, cat Category) []Entry {
	mu.Lock()
	defer mu.Unlock()

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	out := make([]Entry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if cat != "" && entries[i].Category != cat {
			continue
		}
		out = append(out, entries[i])
	}
	return out
}
