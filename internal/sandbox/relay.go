package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/metrics"
	"ex10-server/internal/system"
)

// forbiddenChars may never appear in a relayed path.
const forbiddenChars = ";&|`\\$><*()!#"

// InvalidPathError rejects a relative path before anything is written.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid file path %q: %s", e.Path, e.Reason)
}

// CleanRelativePath validates p and returns its normalized form.
func CleanRelativePath(p string) (string, error) {
	trimmed := strings.TrimSpace(p)
	switch {
	case trimmed == "":
		return "", &InvalidPathError{Path: p, Reason: "empty path"}
	case strings.HasPrefix(trimmed, "/"):
		return "", &InvalidPathError{Path: p, Reason: "absolute path"}
	case strings.Contains(trimmed, ".."):
		return "", &InvalidPathError{Path: p, Reason: "parent directory reference"}
	case strings.ContainsAny(trimmed, forbiddenChars):
		return "", &InvalidPathError{Path: p, Reason: "shell metacharacter"}
	case strings.ContainsAny(trimmed, "\x00\n\r"):
		return "", &InvalidPathError{Path: p, Reason: "control character"}
	}

	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == "/" || path.IsAbs(cleaned) {
		return "", &InvalidPathError{Path: p, Reason: "path resolves outside the extension directory"}
	}
	return cleaned, nil
}

// Relay writes files into a sandbox as the sandbox user. Content is first
// staged in a private temp file owned by the server; the sandbox user then
// copies it into place with tee.
type Relay struct {
	runner  system.Runner
	layout  Layout
	tempDir string
	logger  *zap.Logger

	once     sync.Once
	stageDir string
	stageErr error
}

// NewRelay creates a Relay that stages content under tempDir (os.TempDir
// when empty).
func NewRelay(runner system.Runner, layout Layout, tempDir string, logger *zap.Logger) *Relay {
	return &Relay{
		runner:  runner,
		layout:  layout,
		tempDir: tempDir,
		logger:  logging.OrGlobal(logger).Named("relay"),
	}
}

func (r *Relay) staging() (string, error) {
	r.once.Do(func() {
		dir, err := os.MkdirTemp(r.tempDir, "ex10-relay-")
		if err != nil {
			r.stageErr = fmt.Errorf("create staging dir: %w", err)
			return
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			r.stageErr = fmt.Errorf("restrict staging dir: %w", err)
			return
		}
		r.stageDir = dir
	})
	return r.stageDir, r.stageErr
}

// WriteFile writes content to relPath inside user's extension directory.
func (r *Relay) WriteFile(ctx context.Context, user, relPath string, content []byte) (string, error) {
	return r.WriteInto(ctx, user, r.layout.ExtensionDir(user), relPath, content)
}

// WriteInto writes content to relPath under baseDir as user and returns the
// absolute target. An invalid path returns *InvalidPathError without
// touching the filesystem or running any command.
func (r *Relay) WriteInto(ctx context.Context, user, baseDir, relPath string, content []byte) (string, error) {
	rel, err := CleanRelativePath(relPath)
	if err != nil {
		metrics.Get().RecordCodeWrite("rejected", len(content))
		return "", err
	}
	target := path.Join(baseDir, rel)

	if err := r.transfer(ctx, user, target, content); err != nil {
		metrics.Get().RecordCodeWrite("error", len(content))
		return "", err
	}

	metrics.Get().RecordCodeWrite("ok", len(content))
	r.logger.Debug("relayed file",
		zap.String("user", user), zap.String("target", target), zap.Int("bytes", len(content)))
	return target, nil
}

func (r *Relay) transfer(ctx context.Context, user, target string, content []byte) error {
	dir, err := r.staging()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "stage-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write staging file: %w", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind staging file: %w", err)
	}

	if _, err := r.runner.RunAs(ctx, user, nil, "mkdir", "-p", "--", path.Dir(target)); err != nil {
		return fmt.Errorf("create parent of %s: %w", target, err)
	}
	if _, err := r.runner.RunAs(ctx, user, tmp, "tee", "--", target); err != nil {
		return fmt.Errorf("copy into %s: %w", target, err)
	}
	return nil
}

// Close removes the staging directory.
func (r *Relay) Close() error {
	if r.stageDir == "" {
		return nil
	}
	return os.RemoveAll(r.stageDir)
}
