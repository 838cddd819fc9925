package xenapi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"cbt-backup/src/nbd"
)

// Fake is an in-memory Client for unit tests. Disk contents are served
// over a real loopback NBD endpoint (one export per VDI) so the full
// transfer path is exercised.
type Fake struct {
	mu sync.Mutex

	// Disks maps VDI id to current disk content.
	Disks map[string][]byte
	// Bitmaps maps VDI id to the base64 bitmap returned for any
	// sinceBackupID.
	Bitmaps map[string]string
	// Uploaded records images pushed back via UploadDiskImage, keyed by
	// target VDI id.
	Uploaded map[string][]byte

	srv *nbd.FakeServer
}

// NewFake returns an empty fake hypervisor.
func NewFake() *Fake {
	return &Fake{
		Disks:    map[string][]byte{},
		Bitmaps:  map[string]string{},
		Uploaded: map[string][]byte{},
	}
}

// UpdateDisk replaces a VDI's content, both for DiskSize and on the
// running NBD endpoint.
func (f *Fake) UpdateDisk(vdiID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disks[vdiID] = data
	if f.srv != nil {
		f.srv.SetExport(vdiID, data)
	}
}

// SetBitmap installs the change bitmap reported for a VDI.
func (f *Fake) SetBitmap(vdiID string, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Bitmaps[vdiID] = base64.StdEncoding.EncodeToString(raw)
}

// StartNBD starts the loopback block endpoint serving every disk. Call
// the returned func to stop it.
func (f *Fake) StartNBD() (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exports := map[string][]byte{}
	for id, data := range f.Disks {
		exports[id] = data
	}
	srv, err := nbd.StartFake(exports)
	if err != nil {
		return nil, err
	}
	f.srv = srv
	return srv.Close, nil
}

// Server exposes the underlying fake NBD server for failure injection.
func (f *Fake) Server() *nbd.FakeServer { return f.srv }

func (f *Fake) DiskSize(vdiID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Disks[vdiID]
	if !ok {
		return 0, &UpstreamError{Op: "get disk size", Err: errors.New("no such VDI: " + vdiID)}
	}
	return uint64(len(data)), nil
}

func (f *Fake) GetChangeBitmap(vdiID, sinceBackupID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bm, ok := f.Bitmaps[vdiID]
	if !ok {
		return "", &UpstreamError{Op: "list changed blocks", Err: errors.New("no bitmap for VDI: " + vdiID)}
	}
	return bm, nil
}

func (f *Fake) OpenTransferSession(ctx context.Context, vdiID string) (TransferSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv == nil {
		return TransferSession{}, &UpstreamError{Op: "open transfer session", Err: errors.New("fake NBD endpoint not started")}
	}
	data, ok := f.Disks[vdiID]
	if !ok {
		return TransferSession{}, &UpstreamError{Op: "open transfer session", Err: errors.New("no such VDI: " + vdiID)}
	}
	return TransferSession{
		Address:    f.srv.Addr(),
		ExportName: vdiID,
		SizeBytes:  uint64(len(data)),
	}, nil
}

func (f *Fake) UploadDiskImage(ctx context.Context, targetVDI string, src io.Reader, sizeBytes uint64) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return &UpstreamError{Op: "upload disk image", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploaded[targetVDI] = data
	return nil
}
