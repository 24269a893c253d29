//go:build unix

package shm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region.
//
// A new region is prepared under a temporary name and published with link(2), so a
// concurrent attacher either sees no file or a fully initialized one.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidName(opts.Name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, opts.Name)
	}
	path := RegionPath(opts.Dir, opts.Name)
	if opts.Create {
		return createRegion(path, opts)
	}
	return openRegion(path)
}

func createRegion(path string, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("create %s: invalid size %d", path, opts.Size)
	}
	if !CanCreate(filepath.Dir(path), uint64(opts.Size)) {
		return nil, fmt.Errorf("%w: path:%s size:%d", ErrNoSpace, path, opts.Size)
	}
	tmp := filepath.Join(filepath.Dir(path),
		"."+filepath.Base(path)+"."+strconv.Itoa(unix.Getpid())+"."+strconv.FormatInt(time.Now().UnixNano(), 36))
	fd, err := unix.Open(tmp, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	// The temporary name never outlives this function.
	defer func() { _ = unix.Unlink(tmp) }()

	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	region := &MappedRegion{Addr: addr, Fd: fd, Path: path}
	if opts.Init != nil {
		if err := opts.Init(addr); err != nil {
			_ = UnmapRegion(context.Background(), region)
			return nil, err
		}
	}
	if err := unix.Link(tmp, path); err != nil {
		_ = UnmapRegion(context.Background(), region)
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %s", ErrExist, path)
		}
		return nil, fmt.Errorf("link: %w", err)
	}
	return region, nil
}

func openRegion(path string) (*MappedRegion, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("open: %w", err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG || st.Size <= 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s is not a mappable region", ErrInvalidSegment, path)
	}
	addr, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Fd: fd, Path: path}, nil
}

// UnmapRegion unmaps and closes the shared memory region.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if err := unix.Close(region.Fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	region.Fd = -1
	return errors.Join(errs...)
}

// RemoveRegion removes the region name. Existing mappings stay valid.
func RemoveRegion(dir, name string) error {
	if err := ValidName(name); err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}
	err := unix.Unlink(RegionPath(dir, name))
	if errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("%w: %s", ErrNotExist, RegionPath(dir, name))
	}
	return err
}

// OwnsName reports whether the region's name still refers to the mapped file. It is
// false once the name was removed or reused for a newer region.
func OwnsName(region *MappedRegion) bool {
	var byFd, byName unix.Stat_t
	if err := unix.Fstat(region.Fd, &byFd); err != nil {
		return false
	}
	if err := unix.Stat(region.Path, &byName); err != nil {
		return false
	}
	return byFd.Dev == byName.Dev && byFd.Ino == byName.Ino
}

// LockRegion takes an exclusive advisory lock on the region's descriptor.
// Locks taken through different descriptors exclude each other, also within one process.
func LockRegion(region *MappedRegion) error {
	for {
		err := unix.Flock(region.Fd, unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
	}
}

// UnlockRegion releases the lock taken by LockRegion.
func UnlockRegion(region *MappedRegion) error {
	return unix.Flock(region.Fd, unix.LOCK_UN)
}

// ProcessAlive reports whether pid still names a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Getpid is exported for header bookkeeping.
func Getpid() int {
	return unix.Getpid()
}

// CanCreate reports whether a region of size bytes fits on dir's filesystem.
// Only tmpfs under /dev/shm is checked; other filesystems always report true.
func CanCreate(dir string, size uint64) bool {
	if !strings.HasPrefix(filepath.Clean(dir), DevShm) {
		return true
	}
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
