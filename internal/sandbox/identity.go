package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/system"
)

// NewUsername returns prefix followed by 8 random hex characters.
func NewUsername(prefix string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate username: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}

// Identity creates and removes per-session OS accounts.
type Identity struct {
	runner system.Runner
	layout Layout
	logger *zap.Logger
}

// NewIdentity creates an Identity provisioner.
func NewIdentity(runner system.Runner, layout Layout, logger *zap.Logger) *Identity {
	return &Identity{
		runner: runner,
		layout: layout,
		logger: logging.OrGlobal(logger).Named("identity"),
	}
}

// CreateUser adds a system account with a locked password and no login
// shell, then restricts its home directory to the owner.
func (i *Identity) CreateUser(ctx context.Context, name string) error {
	home := i.layout.HomeDir(name)
	if _, err := i.runner.Run(ctx, "useradd",
		"--create-home",
		"--home-dir", home,
		"--shell", "/usr/sbin/nologin",
		name,
	); err != nil {
		return fmt.Errorf("useradd %s: %w", name, err)
	}
	if _, err := i.runner.Run(ctx, "chmod", "700", home); err != nil {
		return fmt.Errorf("restrict home of %s: %w", name, err)
	}
	i.logger.Info("created sandbox user", zap.String("user", name))
	return nil
}

// DeleteUser removes the account and its home directory. A missing account
// (userdel exit 6) is not an error.
func (i *Identity) DeleteUser(ctx context.Context, name string) error {
	_, err := i.runner.Run(ctx, "userdel", "--remove", name)
	if err != nil && system.ExitCodeOf(err) != 6 {
		return fmt.Errorf("userdel %s: %w", name, err)
	}
	i.logger.Info("deleted sandbox user", zap.String("user", name))
	return nil
}
