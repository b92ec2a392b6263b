//go:build !linux

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/cardpilot/card-agent/internal/api"
	"github.com/cardpilot/card-agent/internal/settings"
	"github.com/getlantern/systray"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	onQuit     func()
	status     func() (connected bool, reader string)
	mu         sync.Mutex

	// Menu items for updating
	mStatus *systray.MenuItem
	mReader *systray.MenuItem
}

// New creates a new TrayApp instance. status is polled to refresh the
// menu; it must be safe to call from any goroutine.
func New(serverAddr string, status func() (bool, string), onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		status:     status,
		onQuit:     onQuit,
	}
}

// Run starts the system tray. This function blocks until the tray is closed.
func (t *TrayApp) Run() {
	systray.Run(t.onReady, t.onExit)
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

func (t *TrayApp) onReady() {
	systray.SetTitle("CA")
	systray.SetTooltip("Card Agent")

	// Version header (disabled, just for display)
	// Only add "v" prefix for proper version numbers (e.g., "1.2.3"), not for dev builds
	versionStr := api.Version
	if len(versionStr) > 0 && versionStr[0] >= '0' && versionStr[0] <= '9' {
		versionStr = "v" + versionStr
	}
	mVersion := systray.AddMenuItem(fmt.Sprintf("Card Agent %s", versionStr), "")
	mVersion.Disable()

	systray.AddSeparator()

	// Status indicator
	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()

	// Reader connection
	t.mReader = systray.AddMenuItem("Reader: Checking...", "Connected card reader")
	t.mReader.Disable()

	systray.AddSeparator()

	// Auto-copy toggle
	mAutoCopy := systray.AddMenuItemCheckbox("Copy card numbers automatically", "Copy each new card number to the clipboard", settings.IsAutoCopyEnabled())

	// Open status page
	mOpenUI := systray.AddMenuItem("Open Status Page", "Open web UI in browser")

	systray.AddSeparator()

	// Quit
	mQuit := systray.AddMenuItem("Quit", "Exit Card Agent")

	go t.updateStatus()

	// Handle menu clicks
	go func() {
		for {
			select {
			case <-mAutoCopy.ClickedCh:
				if mAutoCopy.Checked() {
					mAutoCopy.Uncheck()
					_ = settings.SetAutoCopy(false)
				} else {
					mAutoCopy.Check()
					_ = settings.SetAutoCopy(true)
				}
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

// updateStatus refreshes the status display in the tray menu
func (t *TrayApp) updateStatus() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mStatus != nil {
		t.mStatus.SetTitle("Status: Running")
	}

	if t.mReader == nil {
		return
	}
	if t.status == nil {
		t.mReader.SetTitle("Reader: Unknown")
		return
	}

	connected, reader := t.status()
	switch {
	case connected && reader != "":
		t.mReader.SetTitle(fmt.Sprintf("Reader: %s", reader))
	case connected:
		t.mReader.SetTitle("Reader: Connected")
	default:
		t.mReader.SetTitle("Reader: Not connected")
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
