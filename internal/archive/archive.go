// Package archive validates and extracts uploaded zip sources. Validation
// always completes before anything is written to disk.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/splax/peep/internal/failure"
)

// Limits bounds what an archive may contain.
type Limits struct {
	MaxEntries          int
	MaxUncompressedSize uint64
	MaxRatio            uint64
}

// DefaultLimits guards against zip bombs and oversized uploads.
var DefaultLimits = Limits{
	MaxEntries:          10000,
	MaxUncompressedSize: 500 << 20,
	MaxRatio:            100,
}

// Stats summarises a valid archive.
type Stats struct {
	FileCount        int
	UncompressedSize uint64
}

// Validate inspects the archive at path using DefaultLimits.
func Validate(path string) (Stats, error) {
	return DefaultLimits.Validate(path)
}

// Validate inspects every entry of the archive at p and rejects traversal
// paths, excessive entry counts, excessive total size and suspicious
// compression ratios.
func (l Limits) Validate(p string) (Stats, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return Stats{}, failure.Wrap(failure.Validation, "open archive", err)
	}
	defer r.Close()
	return l.check(r.File)
}

func (l Limits) check(files []*zip.File) (Stats, error) {
	var (
		stats   Stats
		entries int
	)
	for _, f := range files {
		entries++
		if entries > l.MaxEntries {
			return Stats{}, failure.New(failure.Validation, "validate archive", "archive has more than %d entries", l.MaxEntries)
		}
		if _, err := cleanName(f.Name); err != nil {
			return Stats{}, err
		}
		size := f.UncompressedSize64
		stats.UncompressedSize += size
		if stats.UncompressedSize > l.MaxUncompressedSize {
			return Stats{}, failure.New(failure.Validation, "validate archive", "archive expands beyond %d bytes", l.MaxUncompressedSize)
		}
		if size > 0 {
			compressed := f.CompressedSize64
			if compressed == 0 || size/compressed > l.MaxRatio || (size/compressed == l.MaxRatio && size%compressed != 0) {
				return Stats{}, failure.New(failure.Validation, "validate archive", "entry %q exceeds compression ratio %d:1", f.Name, l.MaxRatio)
			}
		}
		if !f.FileInfo().IsDir() {
			stats.FileCount++
		}
	}
	return stats, nil
}

// cleanName normalises an entry name and rejects anything that would escape
// the extraction root. Any name starting with ".." is refused, including
// harmless ones like "..foo/x".
func cleanName(name string) (string, error) {
	normalized := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(normalized) || filepath.VolumeName(normalized) != "" || hasDrive(normalized) {
		return "", failure.New(failure.Validation, "validate archive", "path traversal: absolute entry %q", name)
	}
	if strings.HasPrefix(normalized, "..") {
		return "", failure.New(failure.Validation, "validate archive", "path traversal: entry %q escapes archive root", name)
	}
	return normalized, nil
}

func hasDrive(name string) bool {
	return len(name) >= 2 && name[1] == ':' && ((name[0] >= 'a' && name[0] <= 'z') || (name[0] >= 'A' && name[0] <= 'Z'))
}

// Extract validates the archive at src and unpacks it into dest.
func Extract(src, dest string) (Stats, error) {
	return DefaultLimits.Extract(src, dest)
}

// Extract validates the archive at src with l and unpacks it into dest.
func (l Limits) Extract(src, dest string) (Stats, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return Stats{}, failure.Wrap(failure.Validation, "open archive", err)
	}
	defer r.Close()

	stats, err := l.check(r.File)
	if err != nil {
		return Stats{}, err
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return Stats{}, failure.Wrap(failure.SourceAcquisition, "extract archive", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Stats{}, failure.Wrap(failure.SourceAcquisition, "extract archive", err)
	}
	for _, f := range r.File {
		if err := extractFile(root, f); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func extractFile(root string, f *zip.File) error {
	name, err := cleanName(f.Name)
	if err != nil {
		return err
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return failure.New(failure.Validation, "extract archive", "path traversal: entry %q escapes destination", f.Name)
	}

	mode := f.Mode()
	if mode&os.ModeSymlink != 0 {
		return failure.New(failure.Validation, "extract archive", "entry %q is a symlink", f.Name)
	}
	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return failure.Wrap(failure.SourceAcquisition, "extract archive", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return failure.Wrap(failure.SourceAcquisition, "extract archive", err)
	}

	in, err := f.Open()
	if err != nil {
		return failure.Wrap(failure.SourceAcquisition, "extract archive", fmt.Errorf("open %s: %w", f.Name, err))
	}
	defer in.Close()

	perm := mode.Perm() & 0o755
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o600)
	if err != nil {
		return failure.Wrap(failure.SourceAcquisition, "extract archive", err)
	}

	limit := int64(f.UncompressedSize64)
	n, copyErr := io.Copy(out, io.LimitReader(in, limit+1))
	closeErr := out.Close()
	if copyErr != nil {
		return failure.Wrap(failure.SourceAcquisition, "extract archive", fmt.Errorf("write %s: %w", f.Name, copyErr))
	}
	if closeErr != nil {
		return failure.Wrap(failure.SourceAcquisition, "extract archive", closeErr)
	}
	if n > limit {
		return failure.Wrap(failure.Validation, "extract archive", errors.New("entry "+f.Name+" is larger than its declared size"))
	}
	return nil
}
