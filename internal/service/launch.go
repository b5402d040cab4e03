package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// launchTimeout bounds how long we wait for a freshly spawned service child
// to publish its portfile.
const launchTimeout = 30 * time.Second

// Launch spawns the service process as a detached child and waits for it to
// publish its listen address. The child is the tracklab binary itself,
// re-invoked with the "service" subcommand, so a single executable carries
// both roles.
func Launch(binary, portfilePath string, env []string) (PortfileAddr, int, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return PortfileAddr{}, 0, fmt.Errorf("service: locate executable: %w", err)
		}
		binary = self
	}

	if err := os.MkdirAll(filepath.Dir(portfilePath), 0o755); err != nil {
		return PortfileAddr{}, 0, fmt.Errorf("service: create portfile dir: %w", err)
	}

	cmd := exec.Command(binary, "service", "--port-filename", portfilePath)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return PortfileAddr{}, 0, fmt.Errorf("service: start %s: %w", binary, err)
	}

	// The child outlives this process; reap it in the background so it
	// never zombies while we are alive.
	go func() { _ = cmd.Wait() }()

	addr, err := WaitPortfile(portfilePath, launchTimeout)
	if err != nil {
		_ = cmd.Process.Kill()
		return PortfileAddr{}, 0, err
	}
	return addr, cmd.Process.Pid, nil
}
