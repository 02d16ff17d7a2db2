// Package workspace manages per-job artifact directories on the shared volume.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runbox/internal/catalog"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
)

var javaClassPattern = regexp.MustCompile(`public\s+class\s+([A-Za-z_][A-Za-z0-9_]*)`)

const fallbackClassName = "Main"

// ArtifactSet records everything written or expected under one job directory.
type ArtifactSet struct {
	JobID      string
	Dir        string   // host path of the job directory
	SourceName string   // file name of the written source
	OutputName string   // compiled binary name, empty for interpreted languages
	ClassName  string   // java main class, empty otherwise
	Paths      []string // host paths of every file the execution touches
}

// Manager creates and removes job directories under a fixed root.
type Manager struct {
	root string
}

// NewManager returns a manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{root: dir}
}

// Root returns the workspace root path.
func (m *Manager) Root() string {
	return m.root
}

// Ensure creates the root directory and verifies it is writable.
func (m *Manager) Ensure() error {
	if m.root == "" {
		return appErr.ValidationError("workspace_dir", "required")
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceUnavailable, "create workspace root failed")
	}
	probe := filepath.Join(m.root, ".write-probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceUnavailable, "workspace root not writable")
	}
	_ = os.Remove(probe)
	return nil
}

// Prepare writes the source for one job into its own subdirectory and
// enumerates every artifact the execution will produce.
func (m *Manager) Prepare(desc catalog.Descriptor, code, jobID string) (ArtifactSet, error) {
	if jobID == "" {
		return ArtifactSet{}, appErr.ValidationError("job_id", "required")
	}
	dir := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ArtifactSet{}, appErr.Wrapf(err, appErr.ArtifactWriteFailed, "create job dir failed")
	}

	set := ArtifactSet{JobID: jobID, Dir: dir}
	switch desc.Tag {
	case "java":
		className := extractJavaClass(code)
		if className == "" {
			logger.Warn(context.Background(), "no public class found, using fallback",
				zap.String("job_id", jobID), zap.String("class", fallbackClassName))
			className = fallbackClassName
		}
		set.ClassName = className
		set.SourceName = className + ".java"
		set.Paths = []string{
			filepath.Join(dir, set.SourceName),
			filepath.Join(dir, className+".class"),
		}
	case "c", "cpp":
		base := uuid.NewString()
		set.SourceName = fmt.Sprintf("%s.%s", base, desc.Ext)
		set.OutputName = base + ".out"
		set.Paths = []string{
			filepath.Join(dir, set.SourceName),
			filepath.Join(dir, set.OutputName),
		}
	default:
		set.SourceName = fmt.Sprintf("%s.%s", uuid.NewString(), desc.Ext)
		set.Paths = []string{filepath.Join(dir, set.SourceName)}
	}

	sourcePath := filepath.Join(dir, set.SourceName)
	if err := os.WriteFile(sourcePath, []byte(code), 0644); err != nil {
		return ArtifactSet{}, appErr.Wrapf(err, appErr.ArtifactWriteFailed, "write source failed")
	}
	return set, nil
}

// Cleanup removes the job directory. Missing files are not errors and
// removal failures are logged, never propagated.
func (m *Manager) Cleanup(set ArtifactSet) {
	if set.Dir == "" {
		return
	}
	if err := os.RemoveAll(set.Dir); err != nil {
		logger.Warn(context.Background(), "cleanup job dir failed",
			zap.String("job_id", set.JobID), zap.Error(err))
	}
}

func extractJavaClass(code string) string {
	match := javaClassPattern.FindStringSubmatch(code)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}
