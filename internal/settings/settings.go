// Package settings persists user preferences across restarts.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool `json:"crashReporting"` // Opt-in crash reports
	AutoCopy       bool `json:"autoCopy"`       // Copy card numbers to clipboard on read
	PollIntervalMs int  `json:"pollIntervalMs"` // Auto-read cadence
}

var (
	current *Settings
	mu      sync.RWMutex
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
		AutoCopy:       true,
		PollIntervalMs: 1000,
	}
}

func settingsPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "card-agent", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if no file exists.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	path, err := settingsPath()
	if err != nil {
		current = DefaultSettings()
		return current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		current = DefaultSettings()
		if os.IsNotExist(err) {
			return current, nil
		}
		return current, err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		current = DefaultSettings()
		return current, err
	}
	if s.PollIntervalMs <= 0 {
		s.PollIntervalMs = DefaultSettings().PollIntervalMs
	}

	current = s
	return current, nil
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

func save() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns the current settings (loads from disk if not yet loaded).
func Get() *Settings {
	mu.RLock()
	if current != nil {
		s := *current
		mu.RUnlock()
		return &s
	}
	mu.RUnlock()

	s, _ := Load()
	return s
}

// Update replaces the current settings and saves.
func Update(s Settings) error {
	mu.Lock()
	defer mu.Unlock()
	if s.PollIntervalMs <= 0 {
		s.PollIntervalMs = DefaultSettings().PollIntervalMs
	}
	current = &s
	return save()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	current.CrashReporting = enabled
	return save()
}

// SetAutoCopy updates the auto-copy preference and saves.
func SetAutoCopy(enabled bool) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	current.AutoCopy = enabled
	return save()
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

// IsAutoCopyEnabled returns whether successful reads are copied to the
// clipboard automatically.
func IsAutoCopyEnabled() bool {
	return Get().AutoCopy
}
