package cli_test

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cbt-backup/src/chain"
	"cbt-backup/src/cli"
	"cbt-backup/src/version"
)

func TestRootHelp_ShowsUsage(t *testing.T) {
	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"--help"})

	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("unexpected error: %v", e)
	}
	o := out.String()
	if !strings.Contains(o, "Usage:") || !strings.Contains(o, "cbt-backup") {
		t.Fatalf("help output missing expected content; got: %s", o)
	}
}

func TestVersionCommand_PrintsVersion(t *testing.T) {
	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"version"})

	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("unexpected error: %v", e)
	}
	if !strings.Contains(out.String(), version.Version) {
		t.Fatalf("expected version %q in output; got: %s", version.Version, out.String())
	}
}

// seedBackup commits one full backup with the given content and returns its ID.
func seedBackup(t *testing.T, root, vmID string, content []byte) string {
	t.Helper()
	store, err := chain.New(root)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	bk, err := store.Begin(vmID, uint64(len(content)), nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := os.WriteFile(bk.ImagePath(), content, 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}
	rec, err := bk.Commit("")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return rec.ID
}

func TestListCommand_TableAndJSON(t *testing.T) {
	root := t.TempDir()
	content := make([]byte, 4096)
	rand.Read(content)
	id := seedBackup(t, root, "vm-1", content)

	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"list", "--target", "dir:" + root})
	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("list: %v", e)
	}
	o := out.String()
	if !strings.Contains(o, "VM") || !strings.Contains(o, "vm-1") || !strings.Contains(o, id) {
		t.Fatalf("table output missing entry; got: %s", o)
	}
	if !strings.Contains(o, "full") {
		t.Fatalf("expected full backup type in table; got: %s", o)
	}

	out.Reset()
	cmd = cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"list", "vm-1", "--target", "dir:" + root, "-o", "json"})
	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("list json: %v", e)
	}
	if !strings.Contains(out.String(), `"backupId": "`+id+`"`) {
		t.Fatalf("json output missing backup id; got: %s", out.String())
	}
}

func TestRestoreCommand_WritesImage(t *testing.T) {
	root := t.TempDir()
	content := make([]byte, 8192)
	rand.Read(content)
	id := seedBackup(t, root, "vm-1", content)
	outPath := filepath.Join(t.TempDir(), "restored.raw")

	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"restore", "vm-1", id, "--target", "dir:" + root, "--out", outPath})
	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("restore: %v", e)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading restored image: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("restored image differs from backup content")
	}
}

func TestRestoreCommand_RefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	id := seedBackup(t, root, "vm-1", []byte("disk"))
	outPath := filepath.Join(t.TempDir(), "existing.raw")
	if err := os.WriteFile(outPath, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"restore", "vm-1", id, "--target", "dir:" + root, "--out", outPath})
	if _, e := cmd.ExecuteC(); e == nil {
		t.Fatalf("expected error when output exists without --force")
	}
	got, _ := os.ReadFile(outPath)
	if string(got) != "keep" {
		t.Fatalf("existing file was modified")
	}
}

func TestDeleteCommand_DryRunAndYes(t *testing.T) {
	root := t.TempDir()
	id := seedBackup(t, root, "vm-1", []byte("disk"))

	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"delete", "vm-1", id, "--target", "dir:" + root, "--dry-run"})
	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("delete dry-run: %v", e)
	}
	if _, err := os.Stat(filepath.Join(root, "vm-1", id)); err != nil {
		t.Fatalf("dry-run removed the backup: %v", err)
	}

	out.Reset()
	cmd = cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"delete", "vm-1", id, "--target", "dir:" + root, "--yes"})
	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("delete: %v", e)
	}
	if _, err := os.Stat(filepath.Join(root, "vm-1", id)); !os.IsNotExist(err) {
		t.Fatalf("backup still present after delete")
	}
}

func TestBackupCommand_DryRun(t *testing.T) {
	root := t.TempDir()
	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{
		"backup", "vm-1",
		"--target", "dir:" + root,
		"--nbd", "127.0.0.1:10809",
		"--export", "vm-1-disk",
		"--no-tls", "--dry-run",
	})
	if _, e := cmd.ExecuteC(); e != nil {
		t.Fatalf("backup dry-run: %v", e)
	}
	if !strings.Contains(out.String(), "Would back up vm-1") {
		t.Fatalf("dry-run output missing plan; got: %s", out.String())
	}
}

func TestBackupCommand_RequiresNBD(t *testing.T) {
	var out, errBuf bytes.Buffer
	cmd := cli.NewRootCmd(&out, &errBuf)
	cmd.SetArgs([]string{"backup", "vm-1", "--target", "dir:" + t.TempDir()})
	if _, e := cmd.ExecuteC(); e == nil {
		t.Fatalf("expected error without --nbd")
	}
}
