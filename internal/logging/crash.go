package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

const (
	// MaxCrashLogs is the maximum number of crash logs to keep on disk.
	MaxCrashLogs = 20
	// CrashLogMaxAge is the maximum age of crash logs before cleanup.
	CrashLogMaxAge = 30 * 24 * time.Hour
)

// CrashLogDir returns the directory for crash logs based on the platform.
func CrashLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "CardAgent")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData, _ = os.UserHomeDir()
		}
		return filepath.Join(appData, "CardAgent", "logs")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "card-agent", "logs")
	}
}

// WriteCrashLog writes a crash report to a timestamped file and triggers
// cleanup of old reports. Returns the path of the written file.
func WriteCrashLog(panicValue interface{}, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("crash_%s.log", time.Now().Format("2006-01-02_15-04-05")))

	content := fmt.Sprintf(`Card Agent Crash Report
=======================
Time: %s
Go Version: %s
OS/Arch: %s/%s

Panic Value:
%v

Stack Trace:
%s
`,
		time.Now().Format(time.RFC3339),
		runtime.Version(),
		runtime.GOOS, runtime.GOARCH,
		panicValue,
		string(stack),
	)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	go cleanupCrashLogs(dir)

	return path, nil
}

// RecoverAndLog recovers from a panic, records it, and optionally
// re-panics. Use as: defer logging.RecoverAndLog("context", true).
// Set rePanic for goroutines whose crash should still take the app down.
func RecoverAndLog(context string, rePanic bool) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()

	CapturePanic(r, stack, context)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	if crashFile, err := WriteCrashLog(r, stack); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, string(stack))

	if rePanic {
		panic(r)
	}
}

// cleanupCrashLogs keeps at most MaxCrashLogs files in dir and removes
// anything older than CrashLogMaxAge.
func cleanupCrashLogs(dir string) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var crashLogs []os.DirEntry
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), "crash_") && strings.HasSuffix(entry.Name(), ".log") {
			crashLogs = append(crashLogs, entry)
		}
	}

	// Names embed the timestamp, so name order is age order.
	sort.Slice(crashLogs, func(i, j int) bool {
		return crashLogs[i].Name() < crashLogs[j].Name()
	})

	now := time.Now()
	for i, entry := range crashLogs {
		remove := len(crashLogs)-i > MaxCrashLogs
		if info, err := entry.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			remove = true
		}
		if remove {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
