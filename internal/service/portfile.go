package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// The portfile is the handshake between a parent process and the service
// child it spawned: the child writes its listen address there once the
// socket is up, and the parent polls until the file appears. Lines are
// "sock=<tcp port>" or "unix=<socket path>", terminated by "EOF".

// WritePortfile atomically publishes the service's listen address.
func WritePortfile(path string, tcpPort int, unixPath string) error {
	var b strings.Builder
	if unixPath != "" {
		fmt.Fprintf(&b, "unix=%s\n", unixPath)
	}
	if tcpPort > 0 {
		fmt.Fprintf(&b, "sock=%d\n", tcpPort)
	}
	b.WriteString("EOF")

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("service: write portfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("service: publish portfile: %w", err)
	}
	return nil
}

// PortfileAddr is a parsed service address. Exactly one field is set;
// unix sockets are preferred when both are present.
type PortfileAddr struct {
	Network string // "tcp" or "unix"
	Addr    string
}

// ParsePortfile reads an already-complete portfile.
func ParsePortfile(path string) (PortfileAddr, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PortfileAddr{}, fmt.Errorf("service: read portfile: %w", err)
	}
	content := string(raw)
	if !strings.Contains(content, "EOF") {
		return PortfileAddr{}, fmt.Errorf("service: portfile %s is incomplete", path)
	}

	var tcp, unix string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "unix="):
			unix = strings.TrimPrefix(line, "unix=")
		case strings.HasPrefix(line, "sock="):
			tcp = strings.TrimPrefix(line, "sock=")
		}
	}

	if unix != "" {
		return PortfileAddr{Network: "unix", Addr: unix}, nil
	}
	if tcp != "" {
		if _, err := strconv.Atoi(tcp); err != nil {
			return PortfileAddr{}, fmt.Errorf("service: portfile %s has bad port %q", path, tcp)
		}
		return PortfileAddr{Network: "tcp", Addr: "127.0.0.1:" + tcp}, nil
	}
	return PortfileAddr{}, fmt.Errorf("service: portfile %s names no address", path)
}

// WaitPortfile polls for the portfile until it parses or the deadline
// elapses. Used by the parent right after spawning the service child.
func WaitPortfile(path string, timeout time.Duration) (PortfileAddr, error) {
	deadline := time.Now().Add(timeout)
	for {
		addr, err := ParsePortfile(path)
		if err == nil {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return PortfileAddr{}, fmt.Errorf("service: portfile %s not ready after %s: %w",
				filepath.Base(path), timeout, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
