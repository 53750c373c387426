package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatchannel/internal/config"
)

const presetsArchiveDir = "channels"

// backupFile is a file on disk and its name inside the archive.
type backupFile struct {
	path string
	name string
}

// backupPaths are the on-disk locations a backup covers.
type backupPaths struct {
	config  string
	db      string
	presets string
}

func currentBackupPaths() (backupPaths, error) {
	cfg, err := loadConfig()
	if err != nil {
		return backupPaths{}, err
	}
	return backupPaths{config: resolveConfigPath(), db: cfg.Store.DBPath, presets: cfg.General.PresetsDir}, nil
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the room database, config and presets",
		Long: `Creates a .tar.gz archive containing the SQLite room database, the
configuration file and the channel presets. The archive is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := currentBackupPaths()
			if err != nil {
				return err
			}

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "chatchannel-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			files := collectBackupFiles(paths)
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up (db: %s, config: %s)", paths.db, paths.config)
			}
			if err := writeArchive(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f.path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", f.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: ~/.chatchannel/backups/chatchannel-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Restore the room database, config and presets from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := currentBackupPaths()
			if err != nil {
				return err
			}

			if !force {
				for _, p := range []string{paths.db, paths.config} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten.\n", p)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractArchive(args[0], paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored %d file(s) from %s\n", len(restored), args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

// collectBackupFiles lists the files that exist: the database with its WAL
// and SHM companions, the config file and every preset.
func collectBackupFiles(p backupPaths) []backupFile {
	var files []backupFile
	add := func(path, name string) {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, backupFile{path: path, name: name})
		}
	}

	dbName := filepath.Base(p.db)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		add(p.db+suffix, dbName+suffix)
	}
	add(p.config, "config.json")

	entries, _ := os.ReadDir(p.presets)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			add(filepath.Join(p.presets, e.Name()), path.Join(presetsArchiveDir, e.Name()))
		}
	}
	return files
}

func writeArchive(outputPath string, files []backupFile) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		if err := addToArchive(tw, f); err != nil {
			return fmt.Errorf("add %s: %w", f.path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addToArchive(tw *tar.Writer, f backupFile) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = f.name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// restoreTarget maps an archive entry to its destination, or "" to skip it.
func restoreTarget(name string, p backupPaths) string {
	dir, base := path.Split(path.Clean(name))
	if base == "" || base == "." || base == ".." {
		return ""
	}
	dbName := filepath.Base(p.db)

	switch {
	case dir == presetsArchiveDir+"/":
		return filepath.Join(p.presets, base)
	case dir != "":
		return ""
	case base == "config.json":
		return p.config
	case base == dbName, base == dbName+"-wal", base == dbName+"-shm":
		return p.db + strings.TrimPrefix(base, dbName)
	}
	return ""
}

func extractArchive(archivePath string, p backupPaths) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target := restoreTarget(header.Name, p)
		if target == "" {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}
		if err := writeRestored(target, tr); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeRestored(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
	)
	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
