package chain

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

var errUnsupported = errors.New("filesystem does not support reflink cloning")

// CloneFile duplicates src into dst, preferring an instant copy-on-write
// reflink so unchanged blocks share storage with the parent. When the
// filesystem cannot clone, it degrades to a full byte copy: slower and
// space-consuming, but functionally identical. It never silently skips
// the copy.
func CloneFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	err = reflink(int(in.Fd()), int(out.Fd()))
	if err == nil {
		return out.Close()
	}
	if !errors.Is(err, errUnsupported) {
		out.Close()
		return fmt.Errorf("reflink clone: %w", err)
	}

	log.WithFields(log.Fields{"src": src, "dst": dst}).
		Warn("reflink not supported here, falling back to a full copy")
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy image: %w", err)
	}
	return out.Close()
}
