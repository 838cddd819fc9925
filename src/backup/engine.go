// Package backup wires the hypervisor collaborator, the bitmap
// translator, the transfer orchestrator, and the chain store into whole
// backup and restore operations.
package backup

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"cbt-backup/src/cbt"
	"cbt-backup/src/chain"
	"cbt-backup/src/config"
	"cbt-backup/src/restore"
	"cbt-backup/src/transfer"
	"cbt-backup/src/util/progress"
	"cbt-backup/src/xenapi"
)

// Run performs one backup of a VM's disk and returns the committed
// record. With no usable parent (first backup, forceFull, or a disk
// resized since the parent) the whole disk is fetched as one extent.
// Otherwise the parent's image is cloned and only changed extents are
// fetched. Nothing becomes visible unless every extent succeeds.
func Run(ctx context.Context, client xenapi.Client, store *chain.Store, cfg config.Config, vmID, vdiID string, forceFull bool, now time.Time, progressOut io.Writer) (*chain.Record, error) {
	size, err := client.DiskSize(vdiID)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("vdi %s reports zero size", vdiID)
	}

	var parent *chain.Record
	if !forceFull {
		parent, err = store.Latest(vmID)
		if err != nil {
			return nil, err
		}
		if parent != nil && parent.SizeBytes != size {
			log.WithFields(log.Fields{
				"vm":         vmID,
				"parentSize": parent.SizeBytes,
				"diskSize":   size,
			}).Warn("disk was resized since the last backup, taking a full backup")
			parent = nil
		}
	}

	var extents []cbt.Extent
	checksum := ""
	if parent == nil {
		extents = []cbt.Extent{{Offset: 0, Length: size}}
	} else {
		b64, err := client.GetChangeBitmap(vdiID, parent.ID)
		if err != nil {
			return nil, err
		}
		bitmap, err := cbt.ParseBase64(b64)
		if err != nil {
			return nil, err
		}
		extents = bitmap.Extents(cfg.BlockSize, size)
		checksum = bitmap.Checksum()
		stats := bitmap.Stats(cfg.BlockSize, size)
		log.WithFields(log.Fields{
			"vm":           vmID,
			"since":        parent.ID,
			"changedBytes": stats.ChangedBytes,
			"diskBytes":    stats.DiskBytes,
		}).Info("incremental backup")
	}

	bk, err := store.Begin(vmID, size, parent, now)
	if err != nil {
		return nil, err
	}

	if len(extents) > 0 {
		session, err := client.OpenTransferSession(ctx, vdiID)
		if err != nil {
			abandonQuietly(bk)
			return nil, err
		}
		opts := transfer.Options{
			Parallelism:  cfg.Parallelism,
			Retries:      cfg.Retries,
			RetryBackoff: time.Duration(cfg.RetryBackoff),
			ChunkSize:    cfg.ChunkSize,
			Timeout:      time.Duration(cfg.Timeout),
		}
		if err := transfer.Fetch(ctx, session, extents, bk.ImagePath(), opts, progressOut); err != nil {
			// Keep the partial image around for inspection; it is never
			// visible as a backup.
			bk.Fail()
			return nil, fmt.Errorf("transfer failed, staged image left at %s: %w", bk.StagingDir(), err)
		}
	}

	return bk.Commit(checksum)
}

// abandonQuietly is for failures before any byte was transferred; there
// is nothing worth inspecting in the staging directory.
func abandonQuietly(bk *chain.Backup) {
	if err := bk.Abandon(); err != nil {
		log.WithError(err).Warn("could not clean up staged backup")
	}
}

// RunRestore streams a committed backup's image back to the hypervisor
// as the content of targetVDI.
func RunRestore(ctx context.Context, client xenapi.Client, store *chain.Store, vmID, backupID, targetVDI string, progressOut io.Writer) error {
	rec, err := store.OpenForRestore(vmID, backupID)
	if err != nil {
		return err
	}
	up, err := restore.PrepareUpload(rec.ImagePath())
	if err != nil {
		return err
	}
	defer up.Close()
	reader := io.Reader(up.SectionReader())
	if progressOut != nil {
		reader = progress.NewReader(reader, up.Size(), "upload", progressOut)
	}
	return client.UploadDiskImage(ctx, targetVDI, reader, uint64(up.Size()))
}

// RunRestoreToFile materializes a committed backup's image into a local
// file, for callers that upload through other channels.
func RunRestoreToFile(store *chain.Store, vmID, backupID, outPath string, progressOut io.Writer) error {
	rec, err := store.OpenForRestore(vmID, backupID)
	if err != nil {
		return err
	}
	// The image is immutable once committed; a CoW clone is the cheapest
	// faithful copy.
	if err := chain.CloneFile(rec.ImagePath(), outPath); err != nil {
		return err
	}
	if progressOut != nil {
		fmt.Fprintf(progressOut, "restored %s/%s to %s (%d bytes)\n", vmID, backupID, outPath, rec.SizeBytes)
	}
	return nil
}
