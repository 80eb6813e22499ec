// Package portfile manages the ephemeral file advertising the listening port.
// The file holds the port as ASCII decimal and is the only on-disk state the
// server keeps besides its log.
package portfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the name of the port file under the working directory.
const FileName = "sshbridge.port"

// Write creates the port file in dir and returns its path.
func Write(dir string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("write port file: invalid port %d", port)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0644); err != nil {
		return "", fmt.Errorf("write port file: %w", err)
	}
	return path, nil
}

// Read returns the port recorded in dir's port file.
func Read(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return 0, fmt.Errorf("read port file: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse port file: %w", err)
	}
	return port, nil
}

// Remove deletes the port file. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove port file: %w", err)
	}
	return nil
}
