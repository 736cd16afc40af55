// Package diskcache keeps downloaded build artifacts on local disk and evicts
// them least-recently-accessed first when the total size passes a ceiling or
// when they sit idle too long.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/metrics"
)

const (
	// DefaultMaxBytes is the size ceiling that triggers eviction.
	DefaultMaxBytes int64 = 5 << 30
	// DefaultTargetRatio is the fraction of the ceiling eviction shrinks to.
	DefaultTargetRatio = 0.8
	// DefaultMaxIdle is how long an entry may go unaccessed.
	DefaultMaxIdle = 60 * time.Minute

	tmpPrefix = ".tmp-"
)

// Downloader fetches an object store prefix into a directory.
type Downloader interface {
	DownloadPrefix(ctx context.Context, prefix, dir string) (int, error)
}

// Config tunes the cache.
type Config struct {
	Root        string
	MaxBytes    int64
	TargetRatio float64
	MaxIdle     time.Duration
}

// Cache tracks artifact directories under Root.
type Cache struct {
	root    string
	max     int64
	target  int64
	maxIdle time.Duration

	objects Downloader
	ledger  Ledger
	logger  *slog.Logger
	group   singleflight.Group

	mu       sync.Mutex
	entries  map[string]*Entry
	total    int64
	trashSeq int

	onEvict   func(deploymentID string)
	sizeOf    func(path string) (int64, error)
	now       func() time.Time
	evictions *prometheus.CounterVec
}

// New opens the cache at cfg.Root and loads entries from ledger, which may be nil.
func New(cfg Config, objects Downloader, ledger Ledger, logger *slog.Logger, reg prometheus.Registerer) (*Cache, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("cache root cannot be empty")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.TargetRatio <= 0 || cfg.TargetRatio > 1 {
		cfg.TargetRatio = DefaultTargetRatio
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if ledger == nil {
		ledger = nopLedger{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		root:    root,
		max:     cfg.MaxBytes,
		target:  int64(float64(cfg.MaxBytes) * cfg.TargetRatio),
		maxIdle: cfg.MaxIdle,
		objects: objects,
		ledger:  ledger,
		logger:  logger.With("component", "diskcache"),
		entries: make(map[string]*Entry),
		sizeOf:  dirSize,
		now:     time.Now,
		evictions: metrics.CounterVec(reg, prometheus.CounterOpts{
			Subsystem: "router",
			Name:      "cache_evictions_total",
			Help:      "Artifact cache entries removed, by reason",
		}, "reason"),
	}

	loaded, err := ledger.Load()
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		e := loaded[i]
		c.entries[e.DeploymentID] = &e
		c.total += e.Size
	}
	metrics.GaugeFunc(reg, prometheus.GaugeOpts{
		Subsystem: "router",
		Name:      "cache_bytes",
		Help:      "Bytes tracked by the artifact cache",
	}, func() float64 { return float64(c.Size()) })
	return c, nil
}

// OnEvict registers fn to run, outside the cache lock, after an entry is removed.
func (c *Cache) OnEvict(fn func(deploymentID string)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Path returns where a deployment's artifact lives on disk.
func (c *Cache) Path(deploymentID string) string {
	return filepath.Join(c.root, deploymentID)
}

// Size returns the total tracked bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Entries returns a snapshot of tracked entries, oldest access first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

// Ensure makes the artifact for deploymentID available locally and returns
// its directory. Image artifacts are not cached and yield "". Concurrent
// callers for the same deployment share one download.
func (c *Cache) Ensure(ctx context.Context, deploymentID, artifactRef string) (string, error) {
	if _, isImage := domain.ParseArtifact(artifactRef); isImage {
		return "", nil
	}
	if strings.ContainsAny(deploymentID, `/\`) || deploymentID == "" || deploymentID == "." || deploymentID == ".." {
		return "", failure.New(failure.Validation, "cache ensure", "invalid deployment id %q", deploymentID)
	}
	path := c.Path(deploymentID)
	if c.present(deploymentID, path) {
		return path, c.MarkAccessed(deploymentID)
	}

	// The download outlives any single caller so that one client hanging up
	// does not fail the others waiting on it.
	ch := c.group.DoChan(deploymentID, func() (any, error) {
		if c.present(deploymentID, path) {
			return nil, nil
		}
		return nil, c.download(context.WithoutCancel(ctx), deploymentID, artifactRef, path)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return path, c.MarkAccessed(deploymentID)
}

func (c *Cache) present(deploymentID, path string) bool {
	c.mu.Lock()
	_, tracked := c.entries[deploymentID]
	c.mu.Unlock()
	return tracked && isDir(path)
}

func (c *Cache) download(ctx context.Context, deploymentID, artifactRef, path string) error {
	if c.objects == nil {
		return failure.New(failure.ContainerStart, "cache download", "no object store configured")
	}
	prefix := artifactRef
	if prefix == "" {
		prefix = domain.ArtifactPrefix(deploymentID)
	}
	tmp, err := os.MkdirTemp(c.root, tmpPrefix+deploymentID+"-")
	if err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	started := c.now()
	count, err := c.objects.DownloadPrefix(ctx, prefix, tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return failure.Wrap(failure.ContainerStart, "download artifact", err)
	}
	if count == 0 {
		_ = os.RemoveAll(tmp)
		return failure.New(failure.ContainerStart, "download artifact", "no objects under %s", prefix)
	}
	if err := os.RemoveAll(path); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("clear stale artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("install artifact: %w", err)
	}
	c.logger.Info("artifact downloaded", "deployment_id", deploymentID, "files", count, "elapsed", c.now().Sub(started))
	return nil
}

// MarkAccessed records an access, sizing the entry on first sight, and evicts
// older entries when the ceiling is exceeded. The accessed entry itself is
// never evicted by its own access.
func (c *Cache) MarkAccessed(deploymentID string) error {
	path := c.Path(deploymentID)
	c.mu.Lock()
	e, ok := c.entries[deploymentID]
	if !ok {
		c.mu.Unlock()
		size, err := c.sizeOf(path)
		if err != nil {
			return fmt.Errorf("size artifact: %w", err)
		}
		c.mu.Lock()
		if e, ok = c.entries[deploymentID]; !ok {
			e = &Entry{DeploymentID: deploymentID, Path: path, Size: size}
			c.entries[deploymentID] = e
			c.total += size
		}
	}
	e.LastAccess = c.now()
	snapshot := *e
	var evicted []eviction
	if c.total > c.max {
		evicted = c.evictLocked(deploymentID)
	}
	hook := c.onEvict
	c.mu.Unlock()

	if err := c.ledger.Put(snapshot); err != nil {
		c.logger.Warn("cache ledger write failed", "deployment_id", deploymentID, "error", err)
	}
	c.finishEvictions(evicted, "size", hook)
	return nil
}

// evictLocked forgets the oldest entries until the total is at or below the
// target. Callers hold c.mu.
func (c *Cache) evictLocked(protect string) []eviction {
	var evicted []eviction
	for _, e := range c.sortedLocked() {
		if c.total <= c.target {
			break
		}
		if e.DeploymentID == protect {
			continue
		}
		evicted = append(evicted, c.removeLocked(e))
	}
	return evicted
}

// eviction is a forgotten entry whose directory still has to be deleted.
type eviction struct {
	Entry
	trash string
}

// removeLocked forgets e and moves its directory aside so the slow delete can
// run after c.mu is released without racing a fresh download of the same id.
func (c *Cache) removeLocked(e Entry) eviction {
	delete(c.entries, e.DeploymentID)
	c.total -= e.Size
	c.trashSeq++
	trash := filepath.Join(c.root, fmt.Sprintf("%sevicted-%s-%d", tmpPrefix, e.DeploymentID, c.trashSeq))
	if err := os.Rename(e.Path, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return eviction{Entry: e}
		}
		c.logger.Warn("move cached artifact aside failed", "deployment_id", e.DeploymentID, "error", err)
		trash = e.Path
	}
	return eviction{Entry: e, trash: trash}
}

func (c *Cache) finishEvictions(evicted []eviction, reason string, hook func(string)) {
	for _, e := range evicted {
		if e.trash != "" {
			if err := os.RemoveAll(e.trash); err != nil {
				c.logger.Warn("remove cached artifact failed", "deployment_id", e.DeploymentID, "error", err)
			}
		}
		if err := c.ledger.Delete(e.DeploymentID); err != nil {
			c.logger.Warn("cache ledger delete failed", "deployment_id", e.DeploymentID, "error", err)
		}
		c.evictions.WithLabelValues(reason).Inc()
		c.logger.Info("artifact evicted", "deployment_id", e.DeploymentID, "reason", reason, "bytes", e.Size)
		if hook != nil {
			hook(e.DeploymentID)
		}
	}
}

// SweepIdle removes entries not accessed within MaxIdle and returns how many.
func (c *Cache) SweepIdle() int {
	cutoff := c.now().Add(-c.maxIdle)
	c.mu.Lock()
	var evicted []eviction
	for _, e := range c.sortedLocked() {
		if !e.LastAccess.Before(cutoff) {
			break
		}
		evicted = append(evicted, c.removeLocked(e))
	}
	hook := c.onEvict
	c.mu.Unlock()
	c.finishEvictions(evicted, "idle", hook)
	return len(evicted)
}

// CleanupOrphans deletes directories under the root that the ledger does not
// know about and forgets entries whose directory is gone.
func (c *Cache) CleanupOrphans() (int, error) {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		return 0, fmt.Errorf("read cache root: %w", err)
	}
	removed := 0
	c.mu.Lock()
	seen := make(map[string]bool, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if _, ok := c.entries[name]; ok && d.IsDir() {
			seen[name] = true
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, name)); err != nil {
			c.logger.Warn("remove orphaned artifact failed", "path", name, "error", err)
			continue
		}
		removed++
	}
	var missing []Entry
	for id, e := range c.entries {
		if !seen[id] {
			missing = append(missing, *e)
			delete(c.entries, id)
			c.total -= e.Size
		}
	}
	c.mu.Unlock()

	for _, e := range missing {
		if err := c.ledger.Delete(e.DeploymentID); err != nil {
			c.logger.Warn("cache ledger delete failed", "deployment_id", e.DeploymentID, "error", err)
		}
	}
	if removed > 0 || len(missing) > 0 {
		c.logger.Info("cache orphans cleaned", "directories", removed, "entries", len(missing))
	}
	return removed + len(missing), nil
}

// Run sweeps idle entries every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.SweepIdle(); n > 0 {
				c.logger.Info("idle artifacts evicted", "count", n)
			}
		}
	}
}

// Close releases the ledger.
func (c *Cache) Close() error {
	return c.ledger.Close()
}

func (c *Cache) sortedLocked() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAccess.Equal(out[j].LastAccess) {
			return out[i].DeploymentID < out[j].DeploymentID
		}
		return out[i].LastAccess.Before(out[j].LastAccess)
	})
	return out
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
