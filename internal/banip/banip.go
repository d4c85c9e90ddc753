// Package banip runs the administrator-configured ban command for an IP
// address. The command is fire-and-forget: the server never waits on it.
package banip

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Run starts the configured shell command detached, with the target
// address exposed as IP_ADDRESS in its environment. An empty command is a
// configuration gap, not an error path the session should see.
func Run(command, ip string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("banip: no command configured")
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), "IP_ADDRESS="+ip)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("banip: start command: %w", err)
	}
	logger.Info("ban command started", "ip", ip, "pid", cmd.Process.Pid)

	// Reap the child so it does not linger as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Error("ban command failed", "ip", ip, "error", err)
		}
	}()
	return nil
}
