package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
)

// FileQueue keeps one JSON file per entry in a directory. It is meant for a
// single instance; use the JetStream backend when several instances run.
// A nil *FileQueue is a disabled queue.
type FileQueue struct {
	basePath string
	logger   *slog.Logger

	mu      sync.Mutex
	written uint64
}

// NewFileQueue creates basePath if needed.
func NewFileQueue(basePath string, logger *slog.Logger) (*FileQueue, error) {
	if basePath == "" {
		basePath = "/var/lib/crmsync/reconcile"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create reconcile directory: %w", err)
	}
	return &FileQueue{basePath: basePath, logger: logging.OrDefault(logger)}, nil
}

func (q *FileQueue) fileName(e Entry) string {
	return fmt.Sprintf("entry_%020d_%s.json", e.CreatedAt.UnixNano(), e.ID)
}

// Write stores entry.
func (q *FileQueue) Write(_ context.Context, entry Entry) error {
	if q == nil {
		return nil
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reconcile entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.basePath, q.fileName(entry))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write reconcile entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit reconcile entry: %w", err)
	}

	q.written++
	metrics.ReconcileWritten.WithLabelValues(string(entry.Reason)).Inc()
	q.logger.Info("reconcile entry written",
		logging.EntityID(entry.Event.ExternalEntityID),
		logging.Reason(string(entry.Reason)),
		slog.Any("targets", entry.Targets),
		slog.Int("replays", entry.Replays))
	return nil
}

// entryFiles returns entry file names, oldest first.
func (q *FileQueue) entryFiles() ([]string, error) {
	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read reconcile directory: %w", err)
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.HasPrefix(f.Name(), "entry_") || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (q *FileQueue) read(name string) (Entry, error) {
	var e Entry
	data, err := os.ReadFile(filepath.Join(q.basePath, name))
	if err != nil {
		return e, err
	}
	err = json.Unmarshal(data, &e)
	return e, err
}

// List returns up to limit entries, oldest first. limit <= 0 means all.
func (q *FileQueue) List(_ context.Context, limit int) ([]Entry, error) {
	if q == nil {
		return nil, ErrDisabled
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entryFiles()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, name := range names {
		if limit > 0 && len(entries) >= limit {
			break
		}
		e, err := q.read(name)
		if err != nil {
			q.logger.Error("failed to read reconcile entry", slog.String("file", name), logging.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Drain replays up to limit entries, oldest first, removing those fn
// accepted. fn may Write new entries.
func (q *FileQueue) Drain(ctx context.Context, limit int, fn DrainFunc) (DrainResult, error) {
	var res DrainResult
	if q == nil {
		return res, ErrDisabled
	}

	q.mu.Lock()
	names, err := q.entryFiles()
	q.mu.Unlock()
	if err != nil {
		return res, err
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		q.mu.Lock()
		e, err := q.read(name)
		q.mu.Unlock()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			q.logger.Error("removing unreadable reconcile entry", slog.String("file", name), logging.Error(err))
			q.remove(name)
			continue
		}

		if err := fn(ctx, e); err != nil {
			res.Failed++
			continue
		}
		q.remove(name)
		res.Replayed++
	}
	return res, nil
}

func (q *FileQueue) remove(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(filepath.Join(q.basePath, name)); err != nil && !os.IsNotExist(err) {
		q.logger.Error("failed to remove reconcile entry", slog.String("file", name), logging.Error(err))
	}
}

// Purge removes every entry.
func (q *FileQueue) Purge(context.Context) error {
	if q == nil {
		return ErrDisabled
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entryFiles()
	if err != nil {
		return err
	}
	deleted := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			q.logger.Error("failed to delete reconcile entry", slog.String("file", name), logging.Error(err))
			continue
		}
		deleted++
	}
	q.logger.Warn("reconcile queue purged", slog.Int("deleted", deleted))
	return nil
}

// Stats reports pending entries.
func (q *FileQueue) Stats(context.Context) Stats {
	if q == nil {
		return Stats{Enabled: false}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Enabled: true, Backend: "file", Written: q.written}
	names, err := q.entryFiles()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Pending = len(names)
	return st
}
