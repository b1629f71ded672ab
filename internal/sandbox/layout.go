// Package sandbox provisions and tears down the OS resources behind a
// session: a locked-down user account, a per-user egress firewall chain, the
// xpra display server running the browser, and file transfers into the
// user's home directory.
package sandbox

import (
	"path"
	"time"

	"ex10-server/internal/config"
)

// Layout describes where session files live and how the display is numbered.
type Layout struct {
	HomeRoot         string
	ExtensionDirName string
	CompanionDirName string
	MinPort          int
	MaxPort          int
	DisplayBase      int
	Browser          string
	ReadyTimeout     time.Duration
}

// LayoutFromConfig builds a Layout from the sandbox configuration.
func LayoutFromConfig(cfg config.SandboxConfig) Layout {
	return Layout{
		HomeRoot:         cfg.HomeRoot,
		ExtensionDirName: cfg.ExtensionDirName,
		CompanionDirName: cfg.CompanionDirName,
		MinPort:          cfg.MinPort,
		MaxPort:          cfg.MaxPort,
		DisplayBase:      cfg.DisplayBase,
		Browser:          cfg.Browser,
		ReadyTimeout:     cfg.ReadyTimeout,
	}
}

// HomeDir returns /home/<user>.
func (l Layout) HomeDir(user string) string {
	return path.Join(l.HomeRoot, user)
}

// ExtensionDir is where generated extension files are relayed.
func (l Layout) ExtensionDir(user string) string {
	return path.Join(l.HomeDir(user), l.ExtensionDirName)
}

// CompanionDir holds the companion extension for the session.
func (l Layout) CompanionDir(user string) string {
	return path.Join(l.HomeDir(user), l.CompanionDirName)
}

// Display maps a display port to an X display number.
func (l Layout) Display(port int) int {
	return l.DisplayBase + (port - l.MinPort)
}
