//go:build linux

package chain

import (
	"golang.org/x/sys/unix"
)

// reflink asks the filesystem for a copy-on-write clone of src into the
// already-open dst. Returns errUnsupported when the filesystem cannot do
// it, in which case the caller falls back to a byte copy.
func reflink(srcFd, dstFd int) error {
	err := unix.IoctlFileClone(dstFd, srcFd)
	switch err {
	case nil:
		return nil
	case unix.ENOTSUP, unix.EXDEV, unix.EINVAL, unix.ENOSYS:
		return errUnsupported
	default:
		return err
	}
}
