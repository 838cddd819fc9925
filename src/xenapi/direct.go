package xenapi

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"cbt-backup/src/nbd"
)

// Direct is a Client that talks straight to a block-serving endpoint,
// for running backups when the caller already has the export details
// (and, for incrementals, a bitmap obtained out of band, e.g. via the
// hypervisor's CLI). It cannot upload images; restoring through a Direct
// client means materializing the image locally.
type Direct struct {
	Address    string
	ExportName string
	TLS        *tls.Config
	Timeout    time.Duration

	// BitmapB64 is the base64 changed-block bitmap for the export, if
	// the caller obtained one.
	BitmapB64 string
}

var _ Client = (*Direct)(nil)

func (d *Direct) DiskSize(vdiID string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.dialTimeout())
	defer cancel()
	c, err := nbd.Dial(ctx, nbd.Config{Address: d.Address, TLS: d.TLS, Timeout: d.Timeout})
	if err != nil {
		return 0, &UpstreamError{Op: "get disk size", Err: err}
	}
	defer c.Close()
	info, err := c.Go(d.ExportName)
	if err != nil {
		return 0, &UpstreamError{Op: "get disk size", Err: err}
	}
	return info.Size, nil
}

func (d *Direct) GetChangeBitmap(vdiID, sinceBackupID string) (string, error) {
	if d.BitmapB64 == "" {
		return "", &UpstreamError{Op: "list changed blocks", Err: errors.New("no change bitmap supplied; use a full backup")}
	}
	return d.BitmapB64, nil
}

func (d *Direct) OpenTransferSession(ctx context.Context, vdiID string) (TransferSession, error) {
	size, err := d.DiskSize(vdiID)
	if err != nil {
		return TransferSession{}, err
	}
	return TransferSession{
		Address:    d.Address,
		ExportName: d.ExportName,
		SizeBytes:  size,
		TLS:        d.TLS,
	}, nil
}

func (d *Direct) UploadDiskImage(ctx context.Context, targetVDI string, src io.Reader, sizeBytes uint64) error {
	return &UpstreamError{Op: "upload disk image", Err: errors.New("uploading requires the management API; restore to a local file instead")}
}

func (d *Direct) dialTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return time.Minute
}
