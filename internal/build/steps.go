package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// outputCandidates are probed in order; the first existing directory is
// uploaded. Framework specific outputs come before generic ones.
var outputCandidates = []string{
	filepath.Join(".next", "standalone"),
	".output",
	"out",
	"dist",
	"build",
}

var nextConfigFiles = []string{"next.config.js", "next.config.mjs", "next.config.ts"}

var nextConfigObject = regexp.MustCompile(`(?m)(module\.exports\s*=\s*\{|export\s+default\s*\{|const\s+\w+\s*(?::\s*[\w.]+\s*)?=\s*\{)`)

type packageManifest struct {
	Main            string            `json:"main"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (p *packageManifest) hasDependency(name string) bool {
	if p == nil {
		return false
	}
	if _, ok := p.Dependencies[name]; ok {
		return true
	}
	_, ok := p.DevDependencies[name]
	return ok
}

func (p *packageManifest) hasScript(name string) bool {
	if p == nil {
		return false
	}
	return strings.TrimSpace(p.Scripts[name]) != ""
}

// readManifest parses dir/package.json. A missing manifest yields nil, nil.
func readManifest(dir string) (*packageManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}
	var m packageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &m, nil
}

// installCommand returns the command to install dependencies, or "" to skip.
func installCommand(requested string, manifest *packageManifest) string {
	if cmd := strings.TrimSpace(requested); cmd != "" {
		return cmd
	}
	if manifest != nil {
		return "npm install"
	}
	return ""
}

// buildCommand returns the command to build the project, or "" to skip.
func buildCommand(requested string, manifest *packageManifest) string {
	if cmd := strings.TrimSpace(requested); cmd != "" {
		return cmd
	}
	if manifest.hasScript("build") {
		return "npm run build"
	}
	return ""
}

// configureNextStandalone makes a Next.js project emit a self-contained
// server build. It reports whether a config file was written.
func configureNextStandalone(dir string, manifest *packageManifest) (bool, error) {
	if !manifest.hasDependency("next") {
		return false, nil
	}
	for _, name := range nextConfigFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("read %s: %w", name, err)
		}
		patched, ok := patchNextConfig(string(data))
		if !ok {
			return false, nil
		}
		if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
			return false, fmt.Errorf("write %s: %w", name, err)
		}
		return true, nil
	}
	const fresh = "/** @type {import('next').NextConfig} */\nmodule.exports = {\n  output: 'standalone',\n};\n"
	if err := os.WriteFile(filepath.Join(dir, "next.config.js"), []byte(fresh), 0o644); err != nil {
		return false, fmt.Errorf("write next.config.js: %w", err)
	}
	return true, nil
}

// patchNextConfig inserts output: 'standalone' into the first config object
// literal. Configs that already choose an output mode are left alone.
func patchNextConfig(src string) (string, bool) {
	if strings.Contains(src, "output:") || strings.Contains(src, "output :") {
		return src, false
	}
	loc := nextConfigObject.FindStringIndex(src)
	if loc == nil {
		return src, false
	}
	return src[:loc[1]] + "\n  output: 'standalone'," + src[loc[1]:], true
}

// finalizeStandalone copies the static assets a Next.js standalone server
// expects next to server.js. Sources that are symlinks or resolve outside dir
// are skipped, and symlinks inside the copied trees are not followed.
func finalizeStandalone(dir string) error {
	standalone := filepath.Join(dir, ".next", "standalone")
	if !containedDir(dir, standalone) {
		return nil
	}
	copies := [][2]string{
		{filepath.Join(dir, ".next", "static"), filepath.Join(standalone, ".next", "static")},
		{filepath.Join(dir, "public"), filepath.Join(standalone, "public")},
	}
	for _, c := range copies {
		if !containedDir(dir, c[0]) || exists(c[1]) {
			continue
		}
		if err := copyTree(c[0], c[1]); err != nil {
			return fmt.Errorf("copy %s: %w", c[0], err)
		}
	}
	return nil
}

// detectOutput returns the directory to upload, falling back to the source
// root when no known build output exists inside dir.
func detectOutput(dir string) string {
	for _, candidate := range outputCandidates {
		path := filepath.Join(dir, candidate)
		if containedDir(dir, path) {
			return path
		}
	}
	return dir
}

// containedDir reports whether path is a real directory that, with every
// symlink in its parents resolved, still lies inside root.
func containedDir(root, path string) bool {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&fs.ModeSymlink != 0 || !info.IsDir() {
		return false
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// copyTree copies directories and regular files from src to dst. Symlinks
// and special files are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(p, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
