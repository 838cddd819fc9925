package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const printInterval = 200 * time.Millisecond

// Reader wraps an io.Reader and periodically writes progress updates to
// out. Used on the restore path, where the image is streamed
// sequentially.
type Reader struct {
	r           io.Reader
	out         io.Writer
	label       string
	total       int64
	read        int64
	mu          sync.Mutex
	lastPrinted time.Time
}

// NewReader creates a new progress Reader. If total is 0, percentage is
// omitted.
func NewReader(r io.Reader, total int64, label string, out io.Writer) *Reader {
	return &Reader{r: r, out: out, label: label, total: total}
}

func (p *Reader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.read += int64(n)
		now := time.Now()
		if now.Sub(p.lastPrinted) >= printInterval {
			printLine(p.out, p.label, p.read, p.total)
			p.lastPrinted = now
		}
		p.mu.Unlock()
	}
	if err == io.EOF {
		p.mu.Lock()
		printLine(p.out, p.label, p.read, p.total)
		if p.out != nil {
			fmt.Fprint(p.out, "\n")
		}
		p.mu.Unlock()
	}
	return n, err
}

// Counter accumulates completed bytes reported by concurrent workers and
// periodically prints them. Used on the backup path, where extents are
// written at arbitrary offsets and an io.Reader wrapper does not fit.
type Counter struct {
	out         io.Writer
	label       string
	total       int64
	done        int64
	mu          sync.Mutex
	lastPrinted time.Time
}

// NewCounter creates a Counter for total expected bytes.
func NewCounter(total int64, label string, out io.Writer) *Counter {
	return &Counter{out: out, label: label, total: total}
}

// Add records n more completed bytes. Safe for concurrent use.
func (c *Counter) Add(n int64) {
	c.mu.Lock()
	c.done += n
	now := time.Now()
	if now.Sub(c.lastPrinted) >= printInterval {
		printLine(c.out, c.label, c.done, c.total)
		c.lastPrinted = now
	}
	c.mu.Unlock()
}

// Finish prints the final count and a trailing newline.
func (c *Counter) Finish() {
	c.mu.Lock()
	printLine(c.out, c.label, c.done, c.total)
	if c.out != nil {
		fmt.Fprint(c.out, "\n")
	}
	c.mu.Unlock()
}

func printLine(out io.Writer, label string, done, total int64) {
	if out == nil {
		return
	}
	if total > 0 {
		pct := float64(done) / float64(total) * 100
		fmt.Fprintf(out, "\r[%s] %.1f%% (%d/%d bytes)", label, pct, done, total)
	} else {
		fmt.Fprintf(out, "\r[%s] %d bytes", label, done)
	}
}
