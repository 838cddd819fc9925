package restore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareUpload_ReadsRangesAndStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	up, err := PrepareUpload(path)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer up.Close()

	if up.Size() != int64(len(data)) {
		t.Fatalf("size = %d, want %d", up.Size(), len(data))
	}
	buf := make([]byte, 100)
	if _, err := up.ReadAt(buf, 1000); err != nil {
		t.Fatalf("read at: %v", err)
	}
	if !bytes.Equal(buf, data[1000:1100]) {
		t.Fatal("range read returned wrong bytes")
	}
	streamed, err := io.ReadAll(up.SectionReader())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !bytes.Equal(streamed, data) {
		t.Fatal("streamed content differs")
	}
}

func TestPrepareUpload_MissingImage(t *testing.T) {
	if _, err := PrepareUpload(filepath.Join(t.TempDir(), "nope.img")); err == nil {
		t.Fatal("expected error for missing image")
	}
}
