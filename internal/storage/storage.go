package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrStorageWrite    = errors.New("failed to write storage file")
	ErrInvalidName     = errors.New("invalid record name")
	ErrRecordNotFound  = errors.New("record not found")
	ErrPIDFileNotFound = errors.New("pid file not found")
)

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateName checks agent/worker names used as file path components.
func ValidateName(name string) error {
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// DefaultBaseDir returns the daemon state directory, overridable through
// RELAYMESH_BASE_DIR for tests and multi-daemon setups.
func DefaultBaseDir() string {
	if dir := os.Getenv("RELAYMESH_BASE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaymesh"
	}
	return filepath.Join(home, ".relaymesh")
}

// WriteFileAtomic writes data with the temp-then-rename discipline so CLI
// readers never observe a partially written file. The containing
// directory is synced after the rename to make it durable.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Close(); err != nil {
		f = nil
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	df, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	return nil
}

// PIDFilePath is the conventional location of the daemon pid file next to
// its socket. One daemon per project is enforced by this pairing.
func PIDFilePath(socketPath string) string {
	return socketPath + ".pid"
}

func WritePIDFile(socketPath string, pid int) error {
	return WriteFileAtomic(PIDFilePath(socketPath), []byte(strconv.Itoa(pid)+"\n"))
}

func ReadPIDFile(socketPath string) (int, error) {
	data, err := os.ReadFile(PIDFilePath(socketPath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrPIDFileNotFound
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

func RemovePIDFile(socketPath string) error {
	err := os.Remove(PIDFilePath(socketPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
