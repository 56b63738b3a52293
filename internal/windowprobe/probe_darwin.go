//go:build darwin

package windowprobe

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// darwinProber queries the frontmost application and window title via
// System Events over osascript (no native Go window-introspection API
// exists — shelling out to osascript is the idiomatic macOS approach,
// the same tradeoff the teacher makes wrapping the system trust store
// in internal/cert).
type darwinProber struct{}

// New returns the platform Prober for the current OS.
func New() Prober {
	return &darwinProber{}
}

const activeWindowScript = `
tell application "System Events"
	set frontApp to name of first application process whose frontmost is true
	set frontTitle to ""
	try
		set frontTitle to name of front window of (first application process whose frontmost is true)
	end try
	return frontApp & "||" & frontTitle
end tell
`

func (darwinProber) Active(ctx context.Context) (string, string, int, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", activeWindowScript).Output()
	if err != nil {
		return "", "", 0, fmt.Errorf("osascript active window: %w", err)
	}
	app, title, _ := strings.Cut(strings.TrimSpace(string(out)), "||")
	if app == "" {
		app = "unknown_app"
	}
	if title == "" {
		title = "unknown_window"
	}

	screenID := 1
	if id, err := queryMainDisplayID(ctx); err == nil {
		screenID = id
	}
	return app, title, screenID, nil
}

const mainDisplayScript = `tell application "Finder" to get id of (window of desktop)`

func queryMainDisplayID(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", mainDisplayScript).Output()
	if err != nil {
		return 1, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 1, nil
	}
	return id, nil
}
