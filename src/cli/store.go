package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cbt-backup/src/chain"
	"cbt-backup/src/config"
	"cbt-backup/src/target"
)

// openStore resolves the --target flag into a chain.Store. When create is
// true the store root is created if missing.
func openStore(cmd *cobra.Command, create bool) (*chain.Store, error) {
	tgtStr, _ := cmd.Flags().GetString("target")
	if tgtStr == "" {
		return nil, errors.New("--target is required (e.g., dir:/path)")
	}
	tgt, err := target.Parse(tgtStr)
	if err != nil {
		return nil, err
	}
	if tgt.Scheme != "dir" {
		return nil, fmt.Errorf("unsupported store: %s", tgt.Scheme)
	}
	if create {
		if err := os.MkdirAll(tgt.DirPath, 0o755); err != nil {
			return nil, err
		}
	}
	return chain.New(tgt.DirPath)
}

// loadConfig reads the --config flag, falling back to built-in defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
