package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// startCommand picks how to launch a directory artifact mounted at the
// container working directory: a bundled server entrypoint first, then the
// manifest's start script, then its main entry, then a static file server.
func startCommand(dir string, port int) []string {
	for _, entry := range []string{"server.js", filepath.Join("server", "index.mjs")} {
		if isFile(filepath.Join(dir, entry)) {
			return []string{"node", filepath.ToSlash(entry)}
		}
	}

	var manifest struct {
		Main    string            `json:"main"`
		Scripts map[string]string `json:"scripts"`
	}
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil && json.Unmarshal(data, &manifest) == nil {
		if strings.TrimSpace(manifest.Scripts["start"]) != "" {
			return []string{"npm", "start"}
		}
		if main := strings.TrimSpace(manifest.Main); main != "" && isFile(filepath.Join(dir, filepath.FromSlash(main))) {
			return []string{"node", main}
		}
	}
	return []string{"npx", "--yes", "serve", "-s", ".", "-l", strconv.Itoa(port)}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
