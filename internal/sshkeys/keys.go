// Package sshkeys loads client key material for session connects.
//
// Keys may be supplied inline (PEM content) or by filesystem path. Paths are
// hardened before use: a leading ~ expands to the process user's home
// directory, traversal components are rejected, and a fixed set of sensitive
// prefixes is refused even when reached through symlinks. Errors deliberately
// carry no path material so they can be surfaced to remote callers verbatim.
package sshkeys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Canonical error messages for key path failures. These are the only forms
// surfaced to callers; absolute paths and home directories never leak.
var (
	ErrKeyNotAccessible = errors.New("Key file not accessible")
	ErrKeyPermission    = errors.New("Permission denied accessing key file")
	ErrInvalidPath      = errors.New("Invalid path")
)

// forbiddenPrefixes are directories key files must never be read from, both
// directly and through symlinks.
var forbiddenPrefixes = []string{
	"/etc/", "/proc/", "/sys/", "/dev/", "/boot/", "/root/",
}

// ResolvePath validates and canonicalizes a user-supplied key file path.
func ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrInvalidPath
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", ErrKeyNotAccessible
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.Contains(part, "..") {
			return "", ErrInvalidPath
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ErrInvalidPath
	}
	if hasForbiddenPrefix(abs) {
		return "", ErrInvalidPath
	}

	// Symlinks resolving into a forbidden prefix are refused too.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrKeyNotAccessible
		}
		if os.IsPermission(err) {
			return "", ErrKeyPermission
		}
		return "", ErrKeyNotAccessible
	}
	if hasForbiddenPrefix(resolved) {
		return "", ErrInvalidPath
	}

	return resolved, nil
}

func hasForbiddenPrefix(path string) bool {
	clean := filepath.Clean(path)
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(clean, prefix) || clean == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	return false
}

// ParseSigner parses PEM-encoded private key material, with an optional
// passphrase for encrypted keys.
func ParseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// LoadSignerFromFile resolves path, reads the key file, and parses it.
// Read failures map to the canonical sanitized errors.
func LoadSignerFromFile(path, passphrase string) (ssh.Signer, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrKeyPermission
		}
		return nil, ErrKeyNotAccessible
	}
	return ParseSigner(data, passphrase)
}
