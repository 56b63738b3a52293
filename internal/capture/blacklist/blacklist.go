// Package blacklist decides whether a captured window should be skipped
// (spec §4.5 step 1), ported from the original recorder's
// recorder_blacklist.py and recorder_config.py.
package blacklist

import (
	"regexp"
	"strings"
)

// Config mirrors jobs.recorder.params.blacklist in the config store.
type Config struct {
	Enabled        bool
	Apps           []string
	Windows        []string
	AutoExcludeSelf bool
}

// friendlyAppAliases expands a human-friendly app name into the process
// names it's likely to present as, so a user blacklisting "Chrome" also
// catches "google-chrome" / "chrome.exe" (ported from app_utils.py's
// cross-platform app-name map).
var friendlyAppAliases = map[string][]string{
	"chrome":  {"chrome", "google-chrome", "chrome.exe"},
	"edge":    {"msedge", "edge", "msedge.exe"},
	"firefox": {"firefox", "firefox.exe"},
	"vscode":  {"code", "vscode", "code.exe"},
	"terminal": {"terminal", "iterm2", "gnome-terminal", "wt.exe"},
	"slack":   {"slack", "slack.exe"},
}

// lifetraceWindowPatterns matches window titles that belong to LifeTrace
// itself, so its own UI is never captured (ported from
// LIFETRACE_WINDOW_PATTERNS_STR).
var lifetraceWindowPatterns = []string{
	"lifetrace",
	"lifetrace - intelligent life recording system",
	"lifetrace desktop",
}

// localhostPortPattern matches the dev-server ports LifeTrace's own
// frontend runs on (ported from LIFETRACE_WINDOW_PATTERNS_REGEX, minus
// the fixed ranges — generalized to any localhost/127.0.0.1 port when
// AutoExcludeSelf is set, since the dev port is configurable here).
var localhostPortPattern = regexp.MustCompile(`(?:localhost|127\.0\.0\.1):\d{2,5}`)

var browserOrScriptApps = []string{"chrome", "msedge", "firefox", "electron", "python", "pythonw"}

// ExpandApps expands each configured blacklist app name to every alias it
// might appear as under the process list.
func ExpandApps(apps []string) []string {
	var out []string
	for _, a := range apps {
		out = append(out, a)
		if aliases, ok := friendlyAppAliases[strings.ToLower(a)]; ok {
			out = append(out, aliases...)
		}
	}
	return out
}

func isLifetraceWindow(app, title string) bool {
	if app == "" && title == "" {
		return false
	}
	titleLower := strings.ToLower(title)
	if title != "" {
		for _, p := range lifetraceWindowPatterns {
			if strings.Contains(titleLower, p) {
				return true
			}
		}
		if localhostPortPattern.MatchString(titleLower) {
			return true
		}
	}
	if app == "" {
		return false
	}
	appLower := strings.ToLower(app)
	isBrowserOrScript := false
	for _, b := range browserOrScriptApps {
		if strings.Contains(appLower, b) {
			isBrowserOrScript = true
			break
		}
	}
	return isBrowserOrScript && title != "" && localhostPortPattern.MatchString(titleLower)
}

// Decide reports whether the (app, title) pair should be skipped, and why.
func Decide(app, title string, cfg Config) (skip bool, reason string) {
	if cfg.AutoExcludeSelf && isLifetraceWindow(app, title) {
		return true, "auto-excluded: LifeTrace's own window"
	}

	if !cfg.Enabled {
		return false, ""
	}

	if app != "" {
		appLower := strings.ToLower(app)
		for _, blocked := range ExpandApps(cfg.Apps) {
			blockedLower := strings.ToLower(blocked)
			if blockedLower == appLower || strings.Contains(appLower, blockedLower) {
				return true, "blacklisted app: " + blocked
			}
		}
	}

	if title != "" {
		titleLower := strings.ToLower(title)
		for _, blocked := range cfg.Windows {
			blockedLower := strings.ToLower(blocked)
			if blockedLower == titleLower || strings.Contains(titleLower, blockedLower) {
				return true, "blacklisted window: " + blocked
			}
		}
	}

	return false, ""
}
