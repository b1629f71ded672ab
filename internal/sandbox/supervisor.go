package sandbox

import (
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/system"
)

const xvfbCommand = "Xvfb +extension GLX +extension Composite +extension RANDR -screen 0 1280x800x24+32 -nolisten tcp -noreset"

// Supervisor starts and kills the xpra display server of a session.
type Supervisor struct {
	runner system.Runner
	layout Layout
	logger *zap.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(runner system.Runner, layout Layout, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		runner: runner,
		layout: layout,
		logger: logging.OrGlobal(logger).Named("supervisor"),
	}
}

// BrowserCommand is the child xpra launches: the configured browser with the
// session extension and the companion extension loaded unpacked.
func (s *Supervisor) BrowserCommand(user string) string {
	exts := s.layout.ExtensionDir(user) + "," + s.layout.CompanionDir(user)
	return strings.Join([]string{
		s.layout.Browser,
		"--no-sandbox",
		"--no-first-run",
		"--no-default-browser-check",
		"--user-data-dir=" + path.Join(s.layout.HomeDir(user), "chrome-profile"),
		"--load-extension=" + exts,
		"--disable-extensions-except=" + exts,
	}, " ")
}

// StartArgs returns the xpra argument vector for a session.
func (s *Supervisor) StartArgs(user string, port int) []string {
	return []string{
		"start", ":" + strconv.Itoa(s.layout.Display(port)),
		fmt.Sprintf("--bind-tcp=0.0.0.0:%d", port),
		"--html=on",
		"--daemon=yes",
		"--exit-with-children=no",
		"--mdns=no",
		"--notifications=no",
		"--xvfb=" + xvfbCommand,
		"--start-child=" + s.BrowserCommand(user),
	}
}

// Start launches xpra as user. It returns once the launch command returns;
// use WaitReady to wait for the display port.
func (s *Supervisor) Start(ctx context.Context, user string, port int) error {
	if _, err := s.runner.RunAs(ctx, user, nil, "xpra", s.StartArgs(user, port)...); err != nil {
		return fmt.Errorf("start xpra for %s on %d: %w", user, port, err)
	}
	s.logger.Info("started display server",
		zap.String("user", user),
		zap.Int("port", port),
		zap.Int("display", s.layout.Display(port)))
	return nil
}

// Stop kills xpra and then every remaining process owned by user. pkill
// exit status 1 means nothing matched and counts as success.
func (s *Supervisor) Stop(ctx context.Context, user string) error {
	var first error
	for _, args := range [][]string{
		{"-KILL", "-u", user, "-f", "xpra"},
		{"-KILL", "-u", user},
	} {
		_, err := s.runner.Run(ctx, "pkill", args...)
		if err == nil || system.ExitCodeOf(err) == 1 {
			continue
		}
		if first == nil {
			first = fmt.Errorf("pkill %s: %w", strings.Join(args, " "), err)
		}
	}
	return first
}

// PID returns the oldest xpra process owned by user, or 0 if none runs.
func (s *Supervisor) PID(ctx context.Context, user string) (int, error) {
	out, err := s.runner.Run(ctx, "pgrep", "-o", "-u", user, "xpra")
	if err != nil {
		if system.ExitCodeOf(err) == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("pgrep xpra for %s: %w", user, err)
	}
	field := strings.TrimSpace(out)
	if field == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(strings.Fields(field)[0])
	if err != nil {
		return 0, fmt.Errorf("parse pgrep output %q: %w", field, err)
	}
	return pid, nil
}

// WaitReady polls the display port until it accepts TCP connections. A
// zero ReadyTimeout skips the wait.
func (s *Supervisor) WaitReady(ctx context.Context, port int) error {
	if s.layout.ReadyTimeout <= 0 {
		return nil
	}
	if waitForPort(ctx, port, s.layout.ReadyTimeout) {
		return nil
	}
	return fmt.Errorf("display port %d not accepting connections after %s", port, s.layout.ReadyTimeout)
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err == nil {
				conn.Close()
				return true
			}
		}
	}
	return false
}
