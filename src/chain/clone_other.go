//go:build !linux

package chain

// Reflink cloning is only wired up on Linux; elsewhere every clone takes
// the full-copy fallback.
func reflink(srcFd, dstFd int) error {
	return errUnsupported
}
