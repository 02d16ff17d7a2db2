package workspace

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func writeJobDir(t *testing.T, root, jobID string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("create job dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatalf("age job dir: %v", err)
	}
	return dir
}

func TestSweepArchivesExpiredDirs(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	old := writeJobDir(t, root, "job-old", 2*time.Hour)
	fresh := writeJobDir(t, root, "job-fresh", time.Minute)

	j := NewJanitor(m, JanitorConfig{RetainFor: time.Hour})
	j.sweep(context.Background())

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expired dir still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh dir removed: %v", err)
	}

	archive := filepath.Join(root, "archive", "job-old.tar.zst")
	file, err := os.Open(archive)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("open zstd stream: %v", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("read tar entry: %v", err)
	}
	if hdr.Name != "main.py" {
		t.Errorf("entry name = %s, want main.py", hdr.Name)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(data) != "print(1)" {
		t.Errorf("entry content = %q", string(data))
	}
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("expected single entry, got %v", err)
	}
}

func TestSweepSkipsArchiveDir(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	archiveDir := filepath.Join(root, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		t.Fatalf("create archive dir: %v", err)
	}
	stamp := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(archiveDir, stamp, stamp); err != nil {
		t.Fatalf("age archive dir: %v", err)
	}

	j := NewJanitor(m, JanitorConfig{RetainFor: time.Hour})
	j.sweep(context.Background())

	if _, err := os.Stat(archiveDir); err != nil {
		t.Errorf("archive dir swept away: %v", err)
	}
}

func TestJanitorDisabledWithoutRetention(t *testing.T) {
	m := NewManager(t.TempDir())
	j := NewJanitor(m, JanitorConfig{})

	j.Start(context.Background())
	j.Stop()
}

func TestJanitorConfigDefaults(t *testing.T) {
	cfg := JanitorConfig{}
	cfg.SetDefaults("/tmp/jobs")

	if cfg.ArchiveDir != filepath.Join("/tmp/jobs", "archive") {
		t.Errorf("ArchiveDir = %s", cfg.ArchiveDir)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %s, want 1h", cfg.SweepInterval)
	}
}
