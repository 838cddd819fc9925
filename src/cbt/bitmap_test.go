package cbt

import (
	"encoding/base64"
	"reflect"
	"testing"
)

const blockSize = 64 * 1024

func TestExtents_CoalescesAdjacentRuns(t *testing.T) {
	bm := FromBools([]bool{false, true, true, false, true})
	got := bm.Extents(blockSize, 8*blockSize)
	want := []Extent{
		{Offset: 1 * blockSize, Length: 2 * blockSize},
		{Offset: 4 * blockSize, Length: 1 * blockSize},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("extents = %v, want %v", got, want)
	}
}

func TestExtents_RunAtEndOfBitmap(t *testing.T) {
	bm := FromBools([]bool{false, false, true, true})
	got := bm.Extents(blockSize, 4*blockSize)
	want := []Extent{{Offset: 2 * blockSize, Length: 2 * blockSize}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("extents = %v, want %v", got, want)
	}
}

func TestExtents_EmptyBitmapYieldsNoExtents(t *testing.T) {
	bm := FromBools(make([]bool, 16))
	if got := bm.Extents(blockSize, 16*blockSize); len(got) != 0 {
		t.Fatalf("expected no extents, got %v", got)
	}
}

func TestExtents_ClipsFinalPartialBlock(t *testing.T) {
	// Disk is 2.5 blocks; bits cover 3 blocks.
	diskSize := uint64(2*blockSize + blockSize/2)
	bm := FromBools([]bool{true, true, true})
	got := bm.Extents(blockSize, diskSize)
	want := []Extent{{Offset: 0, Length: diskSize}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("extents = %v, want %v", got, want)
	}
}

func TestExtents_DropsBitsBeyondDiskSize(t *testing.T) {
	// Trailing padding bits in the last bitmap byte must not produce
	// extents past the end of the disk.
	bm := FromBools([]bool{false, true, false, true})
	got := bm.Extents(blockSize, 2*blockSize)
	want := []Extent{{Offset: 1 * blockSize, Length: 1 * blockSize}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("extents = %v, want %v", got, want)
	}
}

func TestExtents_RoundTripReproducesBitmap(t *testing.T) {
	patterns := [][]bool{
		{true},
		{true, false, true, false, true},
		{false, false, false},
		{true, true, true, true, true, true, true, true, true},
		{false, true, true, false, false, true, true, true, false, true},
	}
	for _, bits := range patterns {
		bm := FromBools(bits)
		diskSize := uint64(len(bits)) * blockSize
		derived := make([]bool, len(bits))
		for _, ext := range bm.Extents(blockSize, diskSize) {
			if ext.Offset%blockSize != 0 || ext.Length%blockSize != 0 {
				t.Fatalf("extent %v not block aligned", ext)
			}
			for blk := ext.Offset / blockSize; blk < (ext.Offset+ext.Length)/blockSize; blk++ {
				if derived[blk] {
					t.Fatalf("block %d covered twice for %v", blk, bits)
				}
				derived[blk] = true
			}
		}
		if !reflect.DeepEqual(derived, bits) {
			t.Fatalf("round trip %v -> %v", bits, derived)
		}
	}
}

func TestParseBase64(t *testing.T) {
	raw := []byte{0xA0} // bits 0 and 2
	bm, err := ParseBase64(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bm.Bit(0) || bm.Bit(1) || !bm.Bit(2) {
		t.Fatalf("unexpected bits in %08b", bm[0])
	}
	if _, err := ParseBase64("not*base64"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestStats(t *testing.T) {
	bm := FromBools([]bool{true, false, true, true})
	s := bm.Stats(blockSize, 4*blockSize)
	if s.DiskBytes != 4*blockSize || s.ChangedBytes != 3*blockSize {
		t.Fatalf("stats = %+v", s)
	}
}
