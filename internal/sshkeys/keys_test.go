package sshkeys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePathRejectsEmpty(t *testing.T) {
	for _, p := range []string{"", "   "} {
		if _, err := ResolvePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ResolvePath(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestResolvePathRejectsTraversal(t *testing.T) {
	paths := []string{
		"../secrets/key",
		"/tmp/../etc/passwd",
		"/tmp/..hidden../key",
		"~/../../etc/shadow",
	}
	for _, p := range paths {
		if _, err := ResolvePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ResolvePath(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestResolvePathRejectsForbiddenPrefixes(t *testing.T) {
	paths := []string{
		"/etc/ssh/ssh_host_rsa_key",
		"/proc/self/environ",
		"/sys/kernel/config",
		"/dev/mem",
		"/boot/vmlinuz",
		"/root/.ssh/id_rsa",
	}
	for _, p := range paths {
		if _, err := ResolvePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ResolvePath(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestResolvePathMissingFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "does-not-exist")
	if _, err := ResolvePath(p); !errors.Is(err, ErrKeyNotAccessible) {
		t.Errorf("got %v, want ErrKeyNotAccessible", err)
	}
}

func TestResolvePathExistingFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "key")
	if err := os.WriteFile(p, []byte("material"), 0600); err != nil {
		t.Fatal(err)
	}
	resolved, err := ResolvePath(p)
	if err != nil {
		t.Fatalf("ResolvePath(%q): %v", p, err)
	}
	if filepath.Base(resolved) != "key" {
		t.Errorf("resolved = %q, want path ending in key", resolved)
	}
}

func TestResolvePathSymlinkIntoForbidden(t *testing.T) {
	if _, err := os.Stat("/etc/hostname"); err != nil {
		t.Skipf("no /etc/hostname: %v", err)
	}
	dir := t.TempDir()
	link := filepath.Join(dir, "innocent")
	if err := os.Symlink("/etc/hostname", link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := ResolvePath(link); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("got %v, want ErrInvalidPath for symlink into /etc/", err)
	}
}

func TestErrorMessagesCarryNoPaths(t *testing.T) {
	// The canonical messages are surfaced verbatim to remote callers; they
	// must never embed the probed path.
	for _, err := range []error{ErrKeyNotAccessible, ErrKeyPermission, ErrInvalidPath} {
		if msg := err.Error(); len(msg) == 0 || msg[0] == '/' {
			t.Errorf("suspicious error message %q", msg)
		}
	}
}

func TestParseSignerInvalidMaterial(t *testing.T) {
	if _, err := ParseSigner([]byte("not a pem key"), ""); err == nil {
		t.Error("ParseSigner accepted garbage")
	}
	if _, err := ParseSigner([]byte("not a pem key"), "passphrase"); err == nil {
		t.Error("ParseSigner with passphrase accepted garbage")
	}
}

func TestLoadSignerFromFileInvalidPath(t *testing.T) {
	if _, err := LoadSignerFromFile("/etc/ssh/key", ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("got %v, want ErrInvalidPath", err)
	}
}
