// Package transfer drives the NBD client across an extent list with
// bounded concurrency and bounded retries, writing fetched bytes into a
// local disk image at matching offsets.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"cbt-backup/src/cbt"
	"cbt-backup/src/nbd"
	"cbt-backup/src/util/progress"
	"cbt-backup/src/xenapi"
)

// Options tunes one Fetch operation. Zero values take defaults.
type Options struct {
	// Parallelism is the number of workers, each with its own
	// connection to the endpoint.
	Parallelism int
	// Retries is the number of additional attempts per extent after a
	// transient failure.
	Retries int
	// RetryBackoff is the base delay between attempts; attempt n waits
	// n times this.
	RetryBackoff time.Duration
	// ChunkSize caps the size of a single read request.
	ChunkSize uint64
	// Timeout applies per network read/write; a stalled connection is
	// treated as disconnected and retried.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.Retries < 0 {
		o.Retries = 0
	} else if o.Retries == 0 {
		o.Retries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 4 * 1024 * 1024
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	return o
}

// PartialFailureError reports the extents that remained unresolved after
// retries were exhausted. The destination image is left in place for
// inspection but must not be committed.
type PartialFailureError struct {
	Failed []cbt.Extent
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("transfer incomplete: %d extents failed (first at offset %d, length %d)",
		len(e.Failed), e.Failed[0].Offset, e.Failed[0].Length)
}

// IOError is a local filesystem failure. It aborts the whole operation.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// Fetch reads every extent from the session's endpoint and writes it at
// the matching offset of destPath, which must already exist with its
// final size (sparse or cloned from a parent). Extents write to disjoint
// ranges, so workers share the file handle and write concurrently.
//
// Fetch succeeds only if every extent was written. Transient failures
// (disconnects, timeouts, server error codes) are retried per extent; if
// any extent exhausts its retries the remaining extents still run and
// the result is a *PartialFailureError naming the unresolved ones.
func Fetch(ctx context.Context, session xenapi.TransferSession, extents []cbt.Extent, destPath string, opts Options, progressOut io.Writer) error {
	opts = opts.withDefaults()
	if len(extents) == 0 {
		return nil
	}
	f, err := os.OpenFile(destPath, os.O_WRONLY, 0)
	if err != nil {
		return &IOError{Op: "open destination image", Err: err}
	}
	defer f.Close()

	var total int64
	for _, ext := range extents {
		total += int64(ext.Length)
	}
	counter := progress.NewCounter(total, "fetch", progressOut)

	log.WithFields(log.Fields{
		"endpoint": session.Address,
		"export":   session.ExportName,
		"extents":  len(extents),
		"bytes":    total,
		"workers":  opts.Parallelism,
	}).Info("starting extent transfer")

	jobs := make(chan cbt.Extent)
	var mu sync.Mutex
	var failed []cbt.Extent

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, ext := range extents {
			select {
			case jobs <- ext:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < opts.Parallelism; i++ {
		g.Go(func() error {
			w := worker{session: session, opts: opts, file: f, counter: counter}
			defer w.discard()
			for ext := range jobs {
				err := w.fetchExtent(gctx, ext)
				if err == nil {
					continue
				}
				if isFatal(err) {
					return err
				}
				log.WithFields(log.Fields{
					"offset": ext.Offset,
					"length": ext.Length,
				}).WithError(err).Warn("extent failed, retries exhausted")
				mu.Lock()
				failed = append(failed, ext)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].Offset < failed[j].Offset })
		return &PartialFailureError{Failed: failed}
	}
	counter.Finish()
	return nil
}

// isFatal reports whether err must abort the whole operation rather than
// fail a single extent: local I/O errors, cancellation, and protocol
// violations (the stream state can no longer be trusted).
func isFatal(err error) bool {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return true
	}
	var pe *nbd.ProtocolError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type worker struct {
	session xenapi.TransferSession
	opts    Options
	file    *os.File
	counter *progress.Counter
	conn    *nbd.Client
	buf     []byte
}

func (w *worker) connect(ctx context.Context) error {
	c, err := nbd.Dial(ctx, nbd.Config{
		Address: w.session.Address,
		TLS:     w.session.TLS,
		Timeout: w.opts.Timeout,
	})
	if err != nil {
		return err
	}
	if _, err := c.Go(w.session.ExportName); err != nil {
		c.Close()
		return err
	}
	w.conn = c
	return nil
}

func (w *worker) discard() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// fetchExtent downloads a single extent, retrying transient failures
// with backoff. Each attempt restarts the extent from its beginning on a
// fresh connection if the previous one was discarded.
func (w *worker) fetchExtent(ctx context.Context, ext cbt.Extent) error {
	var lastErr error
	for attempt := 0; attempt <= w.opts.Retries; attempt++ {
		if attempt > 0 {
			log.WithFields(log.Fields{
				"offset":  ext.Offset,
				"attempt": attempt,
			}).WithError(lastErr).Debug("retrying extent")
			select {
			case <-time.After(time.Duration(attempt) * w.opts.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := w.tryExtent(ctx, ext)
		if err == nil {
			return nil
		}
		lastErr = err
		if isFatal(err) {
			return err
		}
		// The stream state is suspect after any failure; reconnect.
		w.discard()
		if errors.Is(err, nbd.ErrShortRead) {
			// Framing desync is a protocol violation, not a transient
			// condition: do not retry this extent.
			return err
		}
	}
	return lastErr
}

func (w *worker) tryExtent(ctx context.Context, ext cbt.Extent) error {
	if w.conn == nil {
		if err := w.connect(ctx); err != nil {
			return err
		}
	}
	if w.buf == nil {
		w.buf = make([]byte, w.opts.ChunkSize)
	}
	end := ext.Offset + ext.Length
	for off := ext.Offset; off < end; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := end - off
		if n > w.opts.ChunkSize {
			n = w.opts.ChunkSize
		}
		buf := w.buf[:n]
		if err := w.conn.ReadAt(buf, off); err != nil {
			return err
		}
		if _, err := w.file.WriteAt(buf, int64(off)); err != nil {
			return &IOError{Op: "write destination image", Err: err}
		}
		w.counter.Add(int64(n))
		off += n
	}
	return nil
}
