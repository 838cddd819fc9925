// Package chain manages the on-disk backup store: one directory per VM,
// one subdirectory per backup named by a sortable timestamp, each holding
// the disk image and a metadata record. Every image is a complete
// point-in-time copy (incrementals start life as a CoW clone of their
// parent), so restoring never walks the chain.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	imageName  = "disk.img"
	recordName = "record.json"

	// Sortable, filename-safe timestamp ids (ISO 8601 basic format).
	idFormat = "20060102T150405Z"
)

var (
	// ErrNotFound means the requested VM or backup does not exist.
	ErrNotFound = errors.New("backup not found")
	// ErrChainBroken means restore-time integrity checks failed; the
	// image must not be restored.
	ErrChainBroken = errors.New("backup chain broken")
	// ErrBackupInProgress means a backup for this VM has neither
	// committed nor been abandoned yet.
	ErrBackupInProgress = errors.New("a backup of this VM is already in progress")
	// ErrSizeMismatch means the parent image does not match the disk's
	// current size; the caller should fall back to a full backup.
	ErrSizeMismatch = errors.New("parent backup has a different disk size")
)

// Record is the persisted metadata of one committed backup. It becomes
// visible atomically at commit time and is immutable afterwards.
type Record struct {
	VMID           string    `json:"vmId"`
	ID             string    `json:"backupId"`
	ParentID       string    `json:"parentBackupId,omitempty"`
	SizeBytes      uint64    `json:"sizeBytes"`
	CreatedAt      time.Time `json:"createdAt"`
	BitmapChecksum string    `json:"bitmapChecksum,omitempty"`
	Incremental    bool      `json:"incremental"`

	// Dir is the backup's directory, filled when loading. Not persisted.
	Dir string `json:"-"`
}

// ImagePath returns the record's disk image location.
func (r *Record) ImagePath() string { return filepath.Join(r.Dir, imageName) }

// Store is a backup store rooted at a directory. Begin/Commit for the
// same VM are serialized: a second Begin is rejected until the first
// backup commits or is abandoned.
type Store struct {
	Root string

	mu     sync.Mutex
	active map[string]struct{} // VM ids with an uncommitted backup
}

// New opens a store rooted at an existing directory.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("store root must not be empty")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root is not a directory: %s", root)
	}
	return &Store{Root: root, active: map[string]struct{}{}}, nil
}

// Backup is an in-progress, not yet visible backup. Its image lives in a
// uniquely named staging directory until Commit renames it into place.
type Backup struct {
	VMID        string
	ID          string
	ParentID    string
	SizeBytes   uint64
	Incremental bool

	store      *Store
	stagingDir string
	createdAt  time.Time
	finished   bool
}

// ImagePath is the destination image the transfer writes into.
func (b *Backup) ImagePath() string { return filepath.Join(b.stagingDir, imageName) }

// StagingDir is where the uncommitted backup lives; useful for
// diagnostics when a transfer fails.
func (b *Backup) StagingDir() string { return b.stagingDir }

// Begin starts a new backup of a VM. With no parent it allocates a
// sparse image of sizeBytes (a full backup: the caller fetches the whole
// disk). With a parent it clones the parent's image copy-on-write, so
// the new image is already a correct point-in-time copy before any
// changed extents are applied.
func (s *Store) Begin(vmID string, sizeBytes uint64, parent *Record, now time.Time) (*Backup, error) {
	if vmID == "" {
		return nil, errors.New("vm id must not be empty")
	}
	if sizeBytes == 0 {
		return nil, errors.New("disk size must not be zero")
	}
	if parent != nil && parent.SizeBytes != sizeBytes {
		return nil, fmt.Errorf("%w: parent %d bytes, disk %d bytes", ErrSizeMismatch, parent.SizeBytes, sizeBytes)
	}

	s.mu.Lock()
	if _, busy := s.active[vmID]; busy {
		s.mu.Unlock()
		return nil, ErrBackupInProgress
	}
	s.active[vmID] = struct{}{}
	s.mu.Unlock()

	b, err := s.begin(vmID, sizeBytes, parent, now)
	if err != nil {
		s.release(vmID)
		return nil, err
	}
	return b, nil
}

func (s *Store) begin(vmID string, sizeBytes uint64, parent *Record, now time.Time) (*Backup, error) {
	id := now.UTC().Format(idFormat)
	finalDir := filepath.Join(s.Root, vmID, id)
	if _, err := os.Stat(finalDir); err == nil {
		return nil, fmt.Errorf("backup %s/%s already exists", vmID, id)
	}
	// The uuid suffix keeps a retried attempt independent of any
	// half-written staging directory a crashed run left behind.
	staging := filepath.Join(s.Root, vmID, fmt.Sprintf(".tmp-%s-%s", id, uuid.NewString()[:8]))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	b := &Backup{
		VMID:       vmID,
		ID:         id,
		SizeBytes:  sizeBytes,
		store:      s,
		stagingDir: staging,
		createdAt:  now.UTC(),
	}
	if parent == nil {
		f, err := os.Create(b.ImagePath())
		if err != nil {
			return nil, fmt.Errorf("create image: %w", err)
		}
		if err := f.Truncate(int64(sizeBytes)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size image: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("close image: %w", err)
		}
		return b, nil
	}

	if err := CloneFile(parent.ImagePath(), b.ImagePath()); err != nil {
		return nil, fmt.Errorf("clone parent image: %w", err)
	}
	b.ParentID = parent.ID
	b.Incremental = true
	return b, nil
}

// Commit publishes the backup: it writes the metadata record into the
// staging directory and renames the whole directory into place. A crash
// before the rename leaves no visible record.
func (b *Backup) Commit(bitmapChecksum string) (*Record, error) {
	if b.finished {
		return nil, errors.New("backup already committed or abandoned")
	}
	rec := &Record{
		VMID:           b.VMID,
		ID:             b.ID,
		ParentID:       b.ParentID,
		SizeBytes:      b.SizeBytes,
		CreatedAt:      b.createdAt,
		BitmapChecksum: bitmapChecksum,
		Incremental:    b.Incremental,
	}
	if err := writeRecord(filepath.Join(b.stagingDir, recordName), rec); err != nil {
		return nil, err
	}
	finalDir := filepath.Join(b.store.Root, b.VMID, b.ID)
	if err := os.Rename(b.stagingDir, finalDir); err != nil {
		return nil, fmt.Errorf("publish backup: %w", err)
	}
	rec.Dir = finalDir
	b.finished = true
	b.store.release(b.VMID)
	log.WithFields(log.Fields{
		"vm":          b.VMID,
		"backup":      b.ID,
		"incremental": b.Incremental,
	}).Info("backup committed")
	return rec, nil
}

// Abandon discards the staged backup and frees the VM for a new attempt.
func (b *Backup) Abandon() error {
	if b.finished {
		return nil
	}
	b.finished = true
	b.store.release(b.VMID)
	return os.RemoveAll(b.stagingDir)
}

// Fail frees the VM for a new attempt but keeps the staging directory on
// disk for inspection. The staged image is never visible as a backup.
func (b *Backup) Fail() {
	if b.finished {
		return
	}
	b.finished = true
	b.store.release(b.VMID)
}

func (s *Store) release(vmID string) {
	s.mu.Lock()
	delete(s.active, vmID)
	s.mu.Unlock()
}

// ListVMs returns the VM ids with at least one committed backup.
func (s *Store) ListVMs() ([]string, error) {
	names, err := readDirNames(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var vms []string
	for _, name := range names {
		recs, err := s.List(name)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			vms = append(vms, name)
		}
	}
	return vms, nil
}

// List returns the committed records of one VM ordered by backup id
// (creation time). Staging directories are skipped.
func (s *Store) List(vmID string) ([]Record, error) {
	ids, err := readDirNames(filepath.Join(s.Root, vmID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []Record
	for _, id := range ids {
		rec, err := s.load(vmID, id)
		if err != nil {
			log.WithFields(log.Fields{"vm": vmID, "backup": id}).WithError(err).Warn("skipping unreadable backup record")
			continue
		}
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// ListAll returns every committed record in the store, ordered by VM
// then backup id.
func (s *Store) ListAll() ([]Record, error) {
	vms, err := readDirNames(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var all []Record
	for _, vm := range vms {
		recs, err := s.List(vm)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// Latest returns the most recent committed record of a VM, or nil if
// there is none.
func (s *Store) Latest(vmID string) (*Record, error) {
	recs, err := s.List(vmID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[len(recs)-1], nil
}

// Get loads one committed record.
func (s *Store) Get(vmID, backupID string) (*Record, error) {
	rec, err := s.load(vmID, backupID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, vmID, backupID)
		}
		return nil, err
	}
	return rec, nil
}

// OpenForRestore validates a record enough to restore it. The image is
// self-sufficient (incrementals are full CoW copies), so chain metadata
// is checked lazily: the image's actual size must match the record, and
// a named parent that still exists must agree on the disk size. A named
// parent that is missing is logged but does not block the restore.
func (s *Store) OpenForRestore(vmID, backupID string) (*Record, error) {
	rec, err := s.Get(vmID, backupID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(rec.ImagePath())
	if err != nil {
		return nil, fmt.Errorf("%w: image missing: %v", ErrChainBroken, err)
	}
	if uint64(info.Size()) != rec.SizeBytes {
		return nil, fmt.Errorf("%w: image is %d bytes, record declares %d", ErrChainBroken, info.Size(), rec.SizeBytes)
	}
	if rec.ParentID != "" {
		parent, err := s.load(vmID, rec.ParentID)
		switch {
		case err == nil:
			if parent.SizeBytes != rec.SizeBytes {
				return nil, fmt.Errorf("%w: parent %s has size %d, child has %d", ErrChainBroken, rec.ParentID, parent.SizeBytes, rec.SizeBytes)
			}
		case os.IsNotExist(err):
			log.WithFields(log.Fields{"vm": vmID, "backup": backupID, "parent": rec.ParentID}).
				Warn("parent backup missing; image is self-sufficient, continuing")
		default:
			return nil, err
		}
	}
	return rec, nil
}

// Delete removes exactly one backup. Unless forced, it refuses when
// another record names the target as its parent, so the chain metadata
// stays consistent. Images are independent clones, so removal never
// corrupts sibling backups either way.
func (s *Store) Delete(vmID, backupID string, force bool) error {
	rec, err := s.Get(vmID, backupID)
	if err != nil {
		return err
	}
	if !force {
		siblings, err := s.List(vmID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ParentID == backupID {
				return fmt.Errorf("backup %s/%s is the parent of %s; delete that first or use force", vmID, backupID, sib.ID)
			}
		}
	}
	return os.RemoveAll(rec.Dir)
}

func (s *Store) load(vmID, backupID string) (*Record, error) {
	dir := filepath.Join(s.Root, vmID, backupID)
	data, err := os.ReadFile(filepath.Join(dir, recordName))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", recordName, err)
	}
	rec.Dir = dir
	return &rec, nil
}

func writeRecord(path string, rec *Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	return f.Close()
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			name := e.Name()
			// Hidden entries include .tmp-* staging directories.
			if strings.HasPrefix(name, ".") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
