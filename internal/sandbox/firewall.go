package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/system"
)

const chainPrefix = "SBX_"

// ChainName returns the iptables chain for user.
func ChainName(user string) string {
	return chainPrefix + user
}

// Firewall installs per-user egress rules with iptables owner matching.
type Firewall struct {
	runner system.Runner
	layout Layout
	logger *zap.Logger
}

// NewFirewall creates a Firewall.
func NewFirewall(runner system.Runner, layout Layout, logger *zap.Logger) *Firewall {
	return &Firewall{
		runner: runner,
		layout: layout,
		logger: logging.OrGlobal(logger).Named("firewall"),
	}
}

// Rules returns the chain body for a session, in evaluation order. The
// accepts come first; the final rule rejects the whole display range.
func (f *Firewall) Rules(user string, port int) [][]string {
	chain := ChainName(user)
	return [][]string{
		{"-A", chain, "-p", "tcp", "--dport", strconv.Itoa(port), "-j", "ACCEPT"},
		{"-A", chain, "-p", "udp", "--dport", "53", "-j", "ACCEPT"},
		{"-A", chain, "-p", "tcp", "--dport", "80", "-j", "ACCEPT"},
		{"-A", chain, "-p", "tcp", "--dport", "443", "-j", "ACCEPT"},
		{"-A", chain, "-p", "tcp", "--dport",
			fmt.Sprintf("%d:%d", f.layout.MinPort, f.layout.MaxPort), "-j", "REJECT"},
	}
}

func jumpRule(op, user string) []string {
	return []string{op, "OUTPUT", "-m", "owner", "--uid-owner", user, "-j", ChainName(user)}
}

// Apply creates the chain, fills it and attaches it to OUTPUT. A chain left
// over from an earlier run is flushed and reused.
func (f *Firewall) Apply(ctx context.Context, user string, port int) error {
	chain := ChainName(user)

	if _, err := f.runner.Run(ctx, "iptables", "-N", chain); err != nil {
		if !chainExists(err) {
			return fmt.Errorf("create chain %s: %w", chain, err)
		}
		if _, err := f.runner.Run(ctx, "iptables", "-F", chain); err != nil {
			return fmt.Errorf("flush stale chain %s: %w", chain, err)
		}
		// drop a stale jump so it is not duplicated below
		_, _ = f.runner.Run(ctx, "iptables", jumpRule("-D", user)...)
	}

	for _, rule := range f.Rules(user, port) {
		if _, err := f.runner.Run(ctx, "iptables", rule...); err != nil {
			return fmt.Errorf("append rule to %s: %w", chain, err)
		}
	}

	if _, err := f.runner.Run(ctx, "iptables", jumpRule("-A", user)...); err != nil {
		return fmt.Errorf("attach chain %s: %w", chain, err)
	}

	f.logger.Info("applied egress policy",
		zap.String("user", user), zap.String("chain", chain), zap.Int("port", port))
	return nil
}

// Revoke detaches, flushes and deletes the chain. Each step tolerates the
// chain or jump already being gone; the first other failure is returned
// after all steps ran.
func (f *Firewall) Revoke(ctx context.Context, user string) error {
	chain := ChainName(user)
	steps := [][]string{
		jumpRule("-D", user),
		{"-F", chain},
		{"-X", chain},
	}

	var first error
	for _, args := range steps {
		_, err := f.runner.Run(ctx, "iptables", args...)
		if err == nil || alreadyAbsent(err) {
			continue
		}
		f.logger.Warn("firewall revoke step failed",
			zap.String("user", user), zap.Strings("args", args), zap.Error(err))
		if first == nil {
			first = fmt.Errorf("iptables %s: %w", strings.Join(args, " "), err)
		}
	}
	return first
}

func alreadyAbsent(err error) bool {
	var ce *system.CommandError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	return strings.Contains(msg, "no chain") ||
		strings.Contains(msg, "does a matching rule exist") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist")
}

func chainExists(err error) bool {
	var ce *system.CommandError
	return errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Stderr), "already exists")
}
