package target

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Target is a parsed backup store URI.
// Example: dir:/mnt/nas/backups/vms
type Target struct {
	// Raw is the original input string.
	Raw string
	// Scheme is the store scheme (currently only "dir").
	Scheme string
	// Value is the scheme-specific value. For dir, the cleaned path.
	Value string

	// DirPath is set when Scheme == "dir" and holds a cleaned absolute path
	// to the backup store root.
	DirPath string
}

// SupportedSchemes lists the schemes the parser accepts.
var SupportedSchemes = map[string]struct{}{
	"dir": {},
}

// Parse parses a store URI like "dir:/path" into a Target.
func Parse(raw string) (Target, error) {
	t := Target{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return t, fmt.Errorf("target must not be empty; expected format 'dir:/path'")
	}
	i := strings.Index(s, ":")
	if i <= 0 || i == len(s)-1 {
		return t, fmt.Errorf("invalid target %q; expected format '<scheme>:<value>' (e.g., 'dir:/path')", raw)
	}
	scheme := strings.ToLower(strings.TrimSpace(s[:i]))
	val := strings.TrimSpace(s[i+1:])
	if _, ok := SupportedSchemes[scheme]; !ok {
		return t, fmt.Errorf("unsupported store scheme %q", scheme)
	}
	t.Scheme = scheme
	t.Value = val

	switch scheme {
	case "dir":
		if val == "" {
			return t, fmt.Errorf("directory target path must not be empty")
		}
		clean := filepath.Clean(val)
		if !filepath.IsAbs(clean) {
			return t, fmt.Errorf("directory target must be an absolute path: %q", val)
		}
		t.DirPath = clean
		t.Value = clean
	}
	return t, nil
}

// IsSupported returns true if the scheme is recognized.
func IsSupported(scheme string) bool {
	_, ok := SupportedSchemes[strings.ToLower(scheme)]
	return ok
}

// String returns a canonical string form of the target.
func (t Target) String() string {
	if t.Scheme == "dir" && t.DirPath != "" {
		return fmt.Sprintf("%s:%s", t.Scheme, t.DirPath)
	}
	if t.Scheme != "" {
		return fmt.Sprintf("%s:%s", t.Scheme, t.Value)
	}
	return t.Raw
}
