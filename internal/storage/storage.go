// Package storage moves build output between local directories and the
// artifact object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/splax/peep/pkg/config"
)

// ErrNotFound indicates the requested object or prefix does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object store contract used by builds and the router cache.
type Store interface {
	// UploadDir mirrors dir under prefix and returns the number of files written.
	UploadDir(ctx context.Context, prefix, dir string) (int, error)
	// DownloadPrefix mirrors every object under prefix into dir.
	DownloadPrefix(ctx context.Context, prefix, dir string) (int, error)
	// DownloadFile writes a single object to dest.
	DownloadFile(ctx context.Context, key, dest string) error
}

// New constructs the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "minio":
		return NewMinio(cfg)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported object store backend %q", cfg.Backend)
	}
}

// ContentType infers a MIME type from the file extension, falling back to
// content sniffing when the extension is unknown.
func ContentType(filePath string) string {
	if ext := filepath.Ext(filePath); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if mt, err := mimetype.DetectFile(filePath); err == nil && mt != nil {
		return mt.String()
	}
	return "application/octet-stream"
}

type localFile struct {
	key  string
	path string
}

// collect lists the regular files under dir as object keys below prefix.
// Version control metadata is never uploaded.
func collect(prefix, dir string) ([]localFile, error) {
	var files []localFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{key: Key(prefix, filepath.ToSlash(rel)), path: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

// Key joins prefix and a slash separated relative path into an object key.
func Key(prefix, rel string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

// LocalPath maps an object key below prefix to a path inside dir, rejecting
// keys that would land outside dir.
func LocalPath(dir, prefix, key string) (string, error) {
	rel := strings.TrimPrefix(key, strings.TrimSuffix(prefix, "/")+"/")
	if rel == "" || strings.HasSuffix(rel, "/") {
		return "", fmt.Errorf("object key %q has no file name", key)
	}
	clean := path.Clean("/" + rel)
	target := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	within, err := filepath.Rel(dir, target)
	if err != nil || within == "." || strings.HasPrefix(within, "..") {
		return "", fmt.Errorf("object key %q escapes destination", key)
	}
	return target, nil
}

func ensureParent(p string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", p, err)
	}
	return nil
}
