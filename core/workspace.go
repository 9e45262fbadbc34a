package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// NewID returns a fresh analysis identifier.
func NewID() string { return uuid.NewString() }

// Workspace is the per-request scratch directory: extracted frames live in
// FramesDir, the final report in ReportPath. It is removed on cancellation
// and kept on success so overlay consumers can pick the frames up.
type Workspace struct {
	ID  string
	Dir string
}

func NewWorkspace(root, id string) (*Workspace, error) {
	if id == "" {
		id = NewID()
	}
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(filepath.Join(dir, "frames"), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return &Workspace{ID: id, Dir: dir}, nil
}

func (w *Workspace) FramesDir() string { return filepath.Join(w.Dir, "frames") }

func (w *Workspace) ReportPath() string { return filepath.Join(w.Dir, "report.json") }

func (w *Workspace) Path(name string) string { return filepath.Join(w.Dir, name) }

func (w *Workspace) Remove() error { return os.RemoveAll(w.Dir) }

// CleanupStale removes workspaces under root whose mtime is older than
// maxAge. Returns the number of directories removed.
func CleanupStale(root string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read data root %s: %w", root, err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("cleanup: remove %s: %s", dir, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Infof("cleanup: removed %d stale workspaces under %s", removed, root)
	}
	return removed, nil
}

// StartJanitor prunes stale workspaces on the given interval until the stop
// channel closes.
func StartJanitor(root string, maxAge, every time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := CleanupStale(root, maxAge); err != nil {
					log.Warnf("cleanup: %s", err)
				}
			case <-stop:
				return
			}
		}
	}()
}
