package cbt

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// DefaultBlockSize is the granularity at which the hypervisor tracks
// changed blocks.
const DefaultBlockSize = 64 * 1024

// Bitmap is a changed-block bitmap as returned by the hypervisor's CBT
// API: one bit per block, most significant bit of each byte first.
// It is immutable once retrieved for a backup.
type Bitmap []byte

// ParseBase64 decodes a bitmap from the hypervisor's base64 encoding.
func ParseBase64(s string) (Bitmap, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode change bitmap: %w", err)
	}
	return Bitmap(raw), nil
}

// FromBools builds a bitmap from per-block booleans. Mostly useful for
// tests and for synthesizing bitmaps locally.
func FromBools(bits []bool) Bitmap {
	b := make(Bitmap, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			b[i/8] |= 0x80 >> (i % 8)
		}
	}
	return b
}

// Len returns the number of bits the bitmap holds.
func (b Bitmap) Len() int { return len(b) * 8 }

// Bit reports whether bit i is set.
func (b Bitmap) Bit(i int) bool {
	return b[i/8]&(0x80>>(i%8)) != 0
}

// Checksum returns the sha256 of the raw bitmap bytes, recorded in the
// backup metadata so a chain can be audited later.
func (b Bitmap) Checksum() string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Extent is a contiguous byte range within a disk image.
type Extent struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// Extents translates the bitmap into the minimal ordered list of byte
// extents to fetch. Runs of consecutive set bits coalesce into a single
// extent, and the final extent is clipped so it never reaches past
// diskSize (the last block may be partial). The result is empty when no
// bits are set; that is a legitimate incremental backup with no new data.
func (b Bitmap) Extents(blockSize, diskSize uint64) []Extent {
	var extents []Extent
	run := -1
	runLen := 0
	flush := func() {
		if run < 0 {
			return
		}
		ext := Extent{Offset: uint64(run) * blockSize, Length: uint64(runLen) * blockSize}
		run = -1
		runLen = 0
		if ext.Offset >= diskSize {
			return
		}
		if ext.Offset+ext.Length > diskSize {
			ext.Length = diskSize - ext.Offset
		}
		extents = append(extents, ext)
	}
	for i := 0; i < b.Len(); i++ {
		if b.Bit(i) {
			if run < 0 {
				run = i
			}
			runLen++
		} else {
			flush()
		}
	}
	flush()
	return extents
}

// Stats summarizes a bitmap: the disk size it covers and how many bytes
// are marked changed.
type Stats struct {
	DiskBytes    uint64
	ChangedBytes uint64
}

// Stats computes summary statistics, clipping the final block to diskSize
// the same way Extents does.
func (b Bitmap) Stats(blockSize, diskSize uint64) Stats {
	s := Stats{DiskBytes: diskSize}
	for _, ext := range b.Extents(blockSize, diskSize) {
		s.ChangedBytes += ext.Length
	}
	return s
}
