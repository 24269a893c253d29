// Package shm contains platform-specific helpers for the shared memory segment
// and semaphore files of a channel.
package shm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DevShm is the preferred home of segment and semaphore files.
const DevShm = "/dev/shm"

// maxNameLen is NAME_MAX on Linux and the BSDs.
const maxNameLen = 255

var (
	ErrExist          = errors.New("shm: region already exists")
	ErrNotExist       = errors.New("shm: region does not exist")
	ErrInvalidName    = errors.New("shm: invalid region name")
	ErrInvalidSegment = errors.New("shm: invalid segment header")
	ErrNoSpace        = errors.New("shm: not enough space left on the backing filesystem")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Path string
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	// Dir is the directory holding the region file; DefaultDir when empty.
	Dir  string
	Size int
	// Create maps a new region and fails with ErrExist if the name is taken.
	Create bool
	// Init, when creating, runs on the mapping before the name becomes visible.
	Init func(mem []byte) error
}

// DefaultDir returns /dev/shm when it is usable and the temporary directory otherwise.
func DefaultDir() string {
	if info, err := os.Stat(DevShm); err == nil && info.IsDir() {
		return DevShm
	}
	return os.TempDir()
}

// ValidName reports whether name can be used as a single file name.
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidName
	case len(name) > maxNameLen:
		return ErrInvalidName
	case strings.ContainsAny(name, "/\x00"):
		return ErrInvalidName
	}
	return nil
}

// RegionPath joins dir (or DefaultDir) and name.
func RegionPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, name)
}

// Function implementations are provided in platform-specific files (platform_unix.go).
