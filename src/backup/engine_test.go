package backup

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"cbt-backup/src/cbt"
	"cbt-backup/src/chain"
	"cbt-backup/src/config"
	"cbt-backup/src/transfer"
	"cbt-backup/src/xenapi"
)

const blockSize = 64 * 1024

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.RetryBackoff = config.Duration(time.Millisecond)
	cfg.Retries = 2
	return cfg
}

func setup(t *testing.T, diskSize int) (*xenapi.Fake, *chain.Store) {
	t.Helper()
	data := make([]byte, diskSize)
	rand.New(rand.NewSource(7)).Read(data)
	fake := xenapi.NewFake()
	fake.Disks["vdi1"] = data
	stop, err := fake.StartNBD()
	if err != nil {
		t.Fatalf("start nbd: %v", err)
	}
	t.Cleanup(stop)
	store, err := chain.New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return fake, store
}

func TestRun_FullBackupOfWholeDisk(t *testing.T) {
	// 10MiB disk, no parent: the whole disk is fetched as one extent
	// and the record is not incremental, even with nothing changed.
	const diskSize = 10 << 20
	fake, store := setup(t, diskSize)
	fake.SetBitmap("vdi1", make([]byte, diskSize/blockSize/8))

	rec, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Incremental || rec.ParentID != "" {
		t.Fatalf("record = %+v", rec)
	}
	got, err := os.ReadFile(rec.ImagePath())
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if !bytes.Equal(got, fake.Disks["vdi1"]) {
		t.Fatal("full backup image differs from disk")
	}
}

func TestRun_IncrementalFetchesOnlyChangedBlocks(t *testing.T) {
	const diskSize = 16 * blockSize
	fake, store := setup(t, diskSize)

	rec1, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now(), nil)
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	v1 := append([]byte(nil), fake.Disks["vdi1"]...)

	// Change blocks 5 and 6, and sneak a change into block 8 that the
	// bitmap does NOT report; the backup must keep the parent's bytes
	// there, proving unchanged regions come from the clone.
	v2 := append([]byte(nil), v1...)
	for i := 5 * blockSize; i < 7*blockSize; i++ {
		v2[i] ^= 0xFF
	}
	v2[8*blockSize] ^= 0xFF
	fake.UpdateDisk("vdi1", v2)

	bits := make([]bool, diskSize/blockSize)
	bits[5], bits[6] = true, true
	fake.SetBitmap("vdi1", cbt.FromBools(bits))

	rec2, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now().Add(time.Second), nil)
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if !rec2.Incremental || rec2.ParentID != rec1.ID {
		t.Fatalf("record = %+v", rec2)
	}
	if rec2.BitmapChecksum == "" {
		t.Fatal("incremental record has no bitmap checksum")
	}

	got, err := os.ReadFile(rec2.ImagePath())
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	for i := range got {
		want := v1[i]
		if i >= 5*blockSize && i < 7*blockSize {
			want = v2[i]
		}
		if got[i] != want {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want)
		}
	}
}

func TestRun_EmptyBitmapCommitsPureClone(t *testing.T) {
	const diskSize = 8 * blockSize
	fake, store := setup(t, diskSize)

	rec1, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now(), nil)
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	fake.SetBitmap("vdi1", make([]byte, diskSize/blockSize/8))

	rec2, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now().Add(time.Second), nil)
	if err != nil {
		t.Fatalf("no-change run: %v", err)
	}
	if !rec2.Incremental || rec2.ParentID != rec1.ID {
		t.Fatalf("record = %+v", rec2)
	}
	img1, _ := os.ReadFile(rec1.ImagePath())
	img2, _ := os.ReadFile(rec2.ImagePath())
	if !bytes.Equal(img1, img2) {
		t.Fatal("pure clone differs from parent")
	}
}

func TestRun_ForceFullIgnoresParent(t *testing.T) {
	const diskSize = 4 * blockSize
	fake, store := setup(t, diskSize)

	if _, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now(), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rec, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", true, time.Now().Add(time.Second), nil)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if rec.Incremental || rec.ParentID != "" {
		t.Fatalf("forced backup still incremental: %+v", rec)
	}
}

func TestRun_PersistentServerErrorCommitsNothing(t *testing.T) {
	const diskSize = 4 * blockSize
	fake, store := setup(t, diskSize)

	rec1, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now(), nil)
	if err != nil {
		t.Fatalf("full run: %v", err)
	}

	bits := make([]bool, diskSize/blockSize)
	bits[1] = true
	fake.SetBitmap("vdi1", cbt.FromBools(bits))
	fake.Server().FailReads = 1000
	fake.Server().ReadErrno = 5

	_, err = Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now().Add(time.Second), nil)
	var pf *transfer.PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PartialFailureError, got %v", err)
	}
	want := cbt.Extent{Offset: 1 * blockSize, Length: blockSize}
	if len(pf.Failed) != 1 || pf.Failed[0] != want {
		t.Fatalf("failed extents = %v", pf.Failed)
	}

	// The chain still ends at the last committed backup.
	latest, err := store.Latest("vm1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != rec1.ID {
		t.Fatalf("latest = %+v, want %s", latest, rec1.ID)
	}

	// The VM slot is free: clearing the fault lets a retry succeed with
	// a fresh attempt.
	fake.Server().FailReads = 0
	if _, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now().Add(2*time.Second), nil); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestRun_DiskResizeFallsBackToFull(t *testing.T) {
	const diskSize = 4 * blockSize
	fake, store := setup(t, diskSize)

	if _, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now(), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	grown := make([]byte, 8*blockSize)
	rand.New(rand.NewSource(9)).Read(grown)
	fake.UpdateDisk("vdi1", grown)

	rec, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now().Add(time.Second), nil)
	if err != nil {
		t.Fatalf("run after resize: %v", err)
	}
	if rec.Incremental {
		t.Fatalf("resized disk backup should be full: %+v", rec)
	}
	if rec.SizeBytes != uint64(len(grown)) {
		t.Fatalf("size = %d, want %d", rec.SizeBytes, len(grown))
	}
}

func TestRunRestore_UploadsCommittedImage(t *testing.T) {
	const diskSize = 4 * blockSize
	fake, store := setup(t, diskSize)

	rec, err := Run(context.Background(), fake, store, fastConfig(), "vm1", "vdi1", false, time.Now(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := RunRestore(context.Background(), fake, store, "vm1", rec.ID, "vdi-new", nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !bytes.Equal(fake.Uploaded["vdi-new"], fake.Disks["vdi1"]) {
		t.Fatal("uploaded image differs from original disk")
	}
}

func TestRunRestore_UnknownBackup(t *testing.T) {
	fake, store := setup(t, 4*blockSize)
	err := RunRestore(context.Background(), fake, store, "vm1", "20200101T000000Z", "vdi-new", nil)
	if !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
