//go:build linux

package tray

// Linux desktops vary too much in tray support (and pull in heavy GTK
// dependencies), so the agent runs headless there.

// TrayApp is a no-op placeholder on Linux.
type TrayApp struct{}

// New returns a no-op TrayApp.
func New(serverAddr string, status func() (bool, string), onQuit func()) *TrayApp {
	return &TrayApp{}
}

// Run does nothing on Linux.
func (t *TrayApp) Run() {}

// RunWithServer just runs the server on Linux.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

// IsSupported returns false: the agent runs headless on Linux.
func IsSupported() bool {
	return false
}
