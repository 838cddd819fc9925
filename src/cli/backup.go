package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cbt-backup/src/backup"
	"cbt-backup/src/xenapi"
)

func newBackupCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		nbdAddr    string
		exportName string
		bitmapFile string
		full       bool
		noTLS      bool
		caCert     string
		serverName string
	)
	cmd := &cobra.Command{
		Use:   "backup VM_ID",
		Short: "Take a full or incremental backup of a VM disk",
		Long: strings.TrimSpace(`
Take a backup of a VM disk exposed over an NBD export.

Without --bitmap-file the backup is always full. With --bitmap-file the
changed-block bitmap (base64, as reported by the hypervisor for the chain's
latest backup) drives an incremental backup cloned from its parent.
`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID := args[0]
			if nbdAddr == "" {
				return errors.New("--nbd is required (e.g., 10.0.0.5:10809)")
			}
			store, err := openStore(cmd, true)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tlsCfg, err := tlsFromFlags(noTLS, caCert, serverName)
			if err != nil {
				return err
			}
			var bitmapB64 string
			if bitmapFile != "" {
				raw, err := os.ReadFile(bitmapFile)
				if err != nil {
					return fmt.Errorf("reading bitmap file: %w", err)
				}
				bitmapB64 = strings.TrimSpace(string(raw))
			} else if !full {
				fmt.Fprintln(stderr, "no --bitmap-file given; taking a full backup")
				full = true
			}
			opts := getSafetyOptions(cmd)
			if opts.DryRun {
				fmt.Fprintf(stdout, "Would back up %s from nbd://%s/%s (full=%v)\n", vmID, nbdAddr, exportName, full)
				return nil
			}
			client := &xenapi.Direct{
				Address:    nbdAddr,
				ExportName: exportName,
				TLS:        tlsCfg,
				Timeout:    time.Duration(cfg.Timeout),
				BitmapB64:  bitmapB64,
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rec, err := backup.Run(ctx, client, store, cfg, vmID, exportName, full, time.Now().UTC(), stdout)
			if err != nil {
				return err
			}
			kind := "full"
			if rec.Incremental {
				kind = "incremental"
			}
			fmt.Fprintf(stdout, "Created %s backup %s/%s (%d bytes)\n", kind, rec.VMID, rec.ID, rec.SizeBytes)
			return nil
		},
	}
	cmd.Flags().String("target", "", "Backup store URI (e.g., dir:/path)")
	cmd.Flags().String("config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&nbdAddr, "nbd", "", "NBD endpoint address (host:port)")
	cmd.Flags().StringVar(&exportName, "export", "", "NBD export name for the disk")
	cmd.Flags().StringVar(&bitmapFile, "bitmap-file", "", "File holding the base64 changed-block bitmap")
	cmd.Flags().BoolVar(&full, "full", false, "Force a full backup even when a parent exists")
	cmd.Flags().BoolVar(&noTLS, "no-tls", false, "Connect without TLS")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "PEM file with CA certificates to trust")
	cmd.Flags().StringVar(&serverName, "tls-server-name", "", "Expected TLS server name")
	return cmd
}

func tlsFromFlags(noTLS bool, caCert, serverName string) (*tls.Config, error) {
	if noTLS {
		return nil, nil
	}
	cfg := &tls.Config{ServerName: serverName}
	if caCert != "" {
		pem, err := os.ReadFile(caCert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caCert)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
