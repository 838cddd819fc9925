// Package restore exposes a committed disk image for upload back to the
// hypervisor. No transformation happens here: every committed image is
// already a complete point-in-time copy, so this is a thin byte-range
// read adapter.
package restore

import (
	"fmt"
	"io"
	"os"
)

// Upload is a read handle over a committed image.
type Upload struct {
	f    *os.File
	size int64
}

// PrepareUpload opens the image for byte-range reads.
func PrepareUpload(imagePath string) (*Upload, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	return &Upload{f: f, size: info.Size()}, nil
}

// Size returns the image size in bytes.
func (u *Upload) Size() int64 { return u.size }

// ReadAt reads an arbitrary byte range of the image.
func (u *Upload) ReadAt(p []byte, off int64) (int, error) {
	return u.f.ReadAt(p, off)
}

// SectionReader returns a sequential reader over the whole image, for
// upload paths that stream rather than seek.
func (u *Upload) SectionReader() *io.SectionReader {
	return io.NewSectionReader(u.f, 0, u.size)
}

// Close releases the image handle.
func (u *Upload) Close() error { return u.f.Close() }
