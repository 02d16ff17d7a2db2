package workspace

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
)

// JanitorConfig controls retention of failed-job directories.
type JanitorConfig struct {
	ArchiveDir    string        // where packed directories land, default <root>/archive
	RetainFor     time.Duration // how long failed artifacts stay unpacked; 0 disables sweeping
	SweepInterval time.Duration // time between sweeps
}

// SetDefaults fills zero values.
func (c *JanitorConfig) SetDefaults(root string) {
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(root, "archive")
	}
	if c.RetainFor < 0 {
		c.RetainFor = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

// Janitor periodically packs expired job directories into zstd tarballs.
type Janitor struct {
	manager *Manager
	cfg     JanitorConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewJanitor creates a janitor for the manager's root.
func NewJanitor(manager *Manager, cfg JanitorConfig) *Janitor {
	cfg.SetDefaults(manager.Root())
	return &Janitor{manager: manager, cfg: cfg}
}

// Start launches the background sweeper. No-op when retention is disabled.
func (j *Janitor) Start(ctx context.Context) {
	if j.cfg.RetainFor == 0 {
		logger.Info(ctx, "workspace janitor disabled")
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
		j.wg.Wait()
	})
}

// sweep archives every job directory older than the retention window.
func (j *Janitor) sweep(ctx context.Context) {
	entries, err := os.ReadDir(j.manager.Root())
	if err != nil {
		logger.Warn(ctx, "janitor read workspace root failed", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-j.cfg.RetainFor)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == filepath.Base(j.cfg.ArchiveDir) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(j.manager.Root(), entry.Name())
		if err := j.archive(entry.Name(), dir); err != nil {
			logger.Warn(ctx, "janitor archive failed",
				zap.String("job_id", entry.Name()), zap.Error(err))
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn(ctx, "janitor remove failed",
				zap.String("job_id", entry.Name()), zap.Error(err))
			continue
		}
		logger.Info(ctx, "archived expired job directory", zap.String("job_id", entry.Name()))
	}
}

// archive packs dir into <archiveDir>/<jobID>.tar.zst.
func (j *Janitor) archive(jobID, dir string) error {
	if err := os.MkdirAll(j.cfg.ArchiveDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "create archive dir failed")
	}
	dst := filepath.Join(j.cfg.ArchiveDir, jobID+".tar.zst")
	file, err := os.Create(dst)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "create archive file failed")
	}
	defer file.Close()

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.ArchiveFailed, "pack job dir failed")
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.ArchiveFailed, "close tar writer failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "close zstd writer failed")
	}
	return nil
}
