//go:build !linux

package executor

import (
	"os"

	"golang.org/x/sys/unix"
)

func openNoFollow(path string, flags int, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flags|unix.O_NOFOLLOW, mode)
}
