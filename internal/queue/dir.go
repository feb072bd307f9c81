package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnomei/kart-go/internal/obs"
)

const failedBucket = "failed"

// Dir is a directory-backed Queue: one JSON file per job. A drainer claims
// a job by creating a companion .lock file with O_EXCL; the claimant that
// loses the race skips the job silently. Jobs whose handler errors are
// moved into the failed/ bucket instead of deleted.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(filepath.Join(root, failedBucket), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Enqueue(_ context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	// Write-then-rename so a concurrent Drain never sees a partial file.
	final := filepath.Join(d.root, job.Key+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish job file: %w", err)
	}
	return nil
}

func (d *Dir) Drain(ctx context.Context, handle Handler) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, fmt.Errorf("read queue dir: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if d.processFile(ctx, entry.Name(), handle) {
			processed++
		}
	}
	return processed, nil
}

// processFile claims, handles and removes one job file. It reports whether
// the job was handled successfully.
func (d *Dir) processFile(ctx context.Context, name string, handle Handler) bool {
	path := filepath.Join(d.root, name)
	lock := path + ".lock"

	f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false // another drainer owns it
		}
		obs.Logger.Warn("queue claim failed", "job", name, "error", err)
		return false
	}
	f.Close()
	defer os.Remove(lock)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false // processed and removed between ReadDir and claim
		}
		obs.Logger.Warn("queue read failed", "job", name, "error", err)
		return false
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		obs.Logger.Warn("queue job unreadable, moving to failed", "job", name, "error", err)
		d.fail(path, name)
		return false
	}

	if err := handle(ctx, job); err != nil {
		obs.Logger.Warn("queue job failed", "job", name, "kind", string(job.Kind), "error", err)
		d.fail(path, name)
		return false
	}

	if err := os.Remove(path); err != nil {
		obs.Logger.Warn("queue job cleanup failed", "job", name, "error", err)
	}
	return true
}

func (d *Dir) fail(path, name string) {
	dest := filepath.Join(d.root, failedBucket, name)
	if err := os.Rename(path, dest); err != nil {
		obs.Logger.Warn("queue job move to failed bucket failed", "job", name, "error", err)
	}
}
