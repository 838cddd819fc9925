// Package xenapi defines the narrow hypervisor-facing interface this
// tool consumes. The management API itself (authentication, VDI
// enumeration, snapshot and CBT lifecycle) lives outside this codebase;
// we only need a change bitmap, a transfer session, and an upload path.
// Keep the interface small and focused so it stays mockable.
package xenapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
)

// TransferSession describes where to read disk extents from for one
// backup operation. It is owned by the transfer orchestrator for the
// duration of that operation and discarded afterwards.
type TransferSession struct {
	// Address is the host:port of the block-serving endpoint.
	Address string
	// ExportName selects the disk on that endpoint.
	ExportName string
	// SizeBytes is the disk's size at session-open time.
	SizeBytes uint64
	// TLS configures transport security for the session; nil means
	// cleartext. No ambient global TLS state is consulted.
	TLS *tls.Config
}

// Client is the hypervisor collaborator interface.
type Client interface {
	// DiskSize returns the current virtual size of the VDI in bytes.
	DiskSize(vdiID string) (uint64, error)

	// GetChangeBitmap returns the base64-encoded changed-block bitmap of
	// the VDI relative to the backup identified by sinceBackupID.
	GetChangeBitmap(vdiID, sinceBackupID string) (string, error)

	// OpenTransferSession prepares a block-read session for the VDI.
	OpenTransferSession(ctx context.Context, vdiID string) (TransferSession, error)

	// UploadDiskImage streams a point-in-time disk image of the given
	// size back to the hypervisor as the content of targetVDI.
	UploadDiskImage(ctx context.Context, targetVDI string, src io.Reader, sizeBytes uint64) error
}

// UpstreamError wraps a failure of the hypervisor collaborator. The
// current operation aborts without committing anything.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("hypervisor %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
