package runner

import (
	"os"
	"path/filepath"
)

// workspace manages the per-job directory shared by every container
// context of one job, per spec §5 ("the workspace directory is shared by
// all container contexts of a single job").
type workspace struct {
	Root string
}

// newWorkspace creates a fresh directory for jobID under root.
func newWorkspace(root, jobID string) (*workspace, error) {
	dir := filepath.Join(root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &workspace{Root: dir}, nil
}

// Cleanup removes the workspace directory and everything in it. Errors are
// returned, not swallowed, but the caller treats workspace cleanup failure
// the same as container cleanup failure: logged and never fatal to the job
// outcome, since the job has already reached a terminal state by the time
// Cleanup runs.
func (w *workspace) Cleanup() error {
	return os.RemoveAll(w.Root)
}
