package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPortfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfile")
	if err := WritePortfile(path, 4242, ""); err != nil {
		t.Fatalf("WritePortfile error: %v", err)
	}

	addr, err := ParsePortfile(path)
	if err != nil {
		t.Fatalf("ParsePortfile error: %v", err)
	}
	if addr.Network != "tcp" || addr.Addr != "127.0.0.1:4242" {
		t.Fatalf("unexpected addr: %+v", addr)
	}
}

func TestPortfilePrefersUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfile")
	if err := WritePortfile(path, 4242, "/tmp/svc.sock"); err != nil {
		t.Fatalf("WritePortfile error: %v", err)
	}

	addr, err := ParsePortfile(path)
	if err != nil {
		t.Fatalf("ParsePortfile error: %v", err)
	}
	if addr.Network != "unix" || addr.Addr != "/tmp/svc.sock" {
		t.Fatalf("unexpected addr: %+v", addr)
	}
}

func TestPortfileIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfile")
	if err := os.WriteFile(path, []byte("sock=4242\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ParsePortfile(path); err == nil {
		t.Fatal("expected error for portfile without EOF sentinel")
	}
}

func TestPortfileBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfile")
	if err := os.WriteFile(path, []byte("sock=nope\nEOF"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ParsePortfile(path); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestWaitPortfilePicksUpLateWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfile")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = WritePortfile(path, 9999, "")
	}()

	addr, err := WaitPortfile(path, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitPortfile error: %v", err)
	}
	if addr.Addr != "127.0.0.1:9999" {
		t.Fatalf("unexpected addr: %+v", addr)
	}
}

func TestWaitPortfileTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never")
	if _, err := WaitPortfile(path, 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}
