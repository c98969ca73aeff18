package minedeskcli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz"
)

func runBackup(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.SetOutput(out)
	outPath := fs.String("out", "", "destination file (default backups/minedesk-<utc time>.db.xz)")
	dbPath := fs.String("db", "", "sqlite database path (defaults to DB_PATH)")
	envPath := fs.String("env-file", defaultEnvFile, "path to .env file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dest := *outPath
	if dest == "" {
		dest = filepath.Join("backups", "minedesk-"+time.Now().UTC().Format("20060102T150405Z")+".db.xz")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(dest), err)
	}

	st, err := openStore(ctx, *dbPath, *envPath)
	if err != nil {
		return err
	}
	defer st.Close()

	tmpDir, err := os.MkdirTemp(filepath.Dir(dest), ".snapshot-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "minedesk.db")
	if err := st.Snapshot(ctx, snapshot); err != nil {
		return err
	}
	n, err := compressFile(snapshot, dest)
	if err != nil {
		_ = os.Remove(dest)
		return err
	}
	fmt.Fprintf(out, "wrote %s (%d bytes)\n", dest, n)
	return nil
}

// compressFile xz-compresses src into dest and returns the compressed size.
func compressFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w, err := xz.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("xz writer: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return 0, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("compress snapshot: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), f.Sync()
}

func runRestore(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(out)
	from := fs.String("from", "", "backup file written by minedesk backup")
	dbPath := fs.String("db", "", "database path to restore into (defaults to DB_PATH)")
	envPath := fs.String("env-file", defaultEnvFile, "path to .env file")
	force := fs.Bool("force", false, "replace an existing database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" {
		return fmt.Errorf("%w: --from is required", ErrUsage)
	}

	dest := *dbPath
	if dest == "" {
		rc, err := loadRuntime(*envPath)
		if err != nil {
			return err
		}
		dest = rc.DBPath
	}
	if _, err := os.Stat(dest); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to replace it)", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	in, err := os.Open(*from)
	if err != nil {
		return err
	}
	defer in.Close()
	r, err := xz.NewReader(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", *from, err)
	}

	tmp := dest + ".restore"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("decompress %s: %w", *from, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dest + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	fmt.Fprintf(out, "restored %s from %s\n", dest, *from)
	return nil
}
