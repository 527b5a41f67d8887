package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
)

// PID files let a restarting agent find and reap a router left behind by a
// crashed predecessor. They live under the XDG data directory so they
// survive /tmp cleaners between runs.

// PIDFilePath returns the path of the PID file for a named child.
func PIDFilePath(name string) (string, error) {
	path, err := xdg.DataFile(filepath.Join("farmnode", "pids", fmt.Sprintf("farmnode-%s.pid", name)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve PID file path for %s: %w", name, err)
	}
	return path, nil
}

// WritePIDFile records a child's pid.
func WritePIDFile(name string, pid int) error {
	path, err := PIDFilePath(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the recorded pid for a named child.
func ReadPIDFile(name string) (int, error) {
	path, err := PIDFilePath(name)
	if err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file for a named child. Missing files are
// not an error.
func RemovePIDFile(name string) error {
	path, err := PIDFilePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// ReapStale kills the process group recorded in a stale PID file and
// removes the file. Reports whether a live process was found. Unreadable
// or unparseable files are removed so the next run starts clean.
func ReapStale(name string) (bool, error) {
	pid, err := ReadPIDFile(name)
	if err != nil {
		_ = RemovePIDFile(name)
		return false, nil
	}
	reaped := false
	if Alive(pid) {
		if err := KillGroup(pid); err != nil {
			return false, err
		}
		reaped = true
	}
	return reaped, RemovePIDFile(name)
}
