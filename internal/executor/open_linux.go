//go:build linux

package executor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openNoFollow opens a path whose directories were already resolved,
// refusing any symlink along it. A directory swapped for a link after
// resolution fails with ELOOP instead of being followed.
func openNoFollow(path string, flags int, mode os.FileMode) (*os.File, error) {
	fd, err := unix.Openat2(unix.AT_FDCWD, path, &unix.OpenHow{
		Flags:   uint64(flags | unix.O_CLOEXEC | unix.O_NOFOLLOW),
		Mode:    uint64(mode.Perm()),
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	})
	switch {
	case err == nil:
		return os.NewFile(uintptr(fd), path), nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EPERM):
		// pre-5.6 kernel or a seccomp filter without openat2
		return os.OpenFile(path, flags|unix.O_NOFOLLOW, mode)
	default:
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
}
