package safety

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Options carries the global safety flags shared by every command.
type Options struct {
	// DryRun reports planned actions without making changes.
	DryRun bool
	// Yes answers prompts affirmatively without asking.
	Yes bool
	// Force allows operations that would otherwise be refused, such as
	// deleting a backup that another backup clones from.
	Force bool
}

// Confirm prompts the user before a destructive action.
// - If opts.DryRun is true, it returns false without prompting.
// - If opts.Yes is true, it returns true without prompting.
// The caller decides what to do with the result.
func Confirm(opts Options, in io.Reader, out io.Writer, question string) (bool, error) {
	if opts.DryRun {
		return false, nil
	}
	if opts.Yes {
		return true, nil
	}
	if out != nil {
		fmt.Fprintf(out, "%s [y/N]: ", strings.TrimSpace(question))
	}
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	ans := strings.TrimSpace(strings.ToLower(line))
	return ans == "y" || ans == "yes", nil
}
