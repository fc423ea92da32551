package pipeline

import (
	"log/slog"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/alanmeadows/maestro/internal/task"
)

// discoverTestFile looks for the RED-stage test when the LM wrote it at a
// path other than the planned one. The implementation file's parent is
// searched first, then the conventional test roots. The returned path is
// workspace-relative.
func (p *Pipeline) discoverTestFile(t *task.Task) (string, bool) {
	name := filepath.Base(t.TestFile)
	if name == "" || name == "." {
		return "", false
	}

	var searchDirs []string
	if t.ImplFile != "" {
		searchDirs = append(searchDirs, filepath.Dir(t.ImplFile))
	}
	searchDirs = append(searchDirs, p.Config.Tools.TestRoots...)

	for _, dir := range searchDirs {
		pattern := filepath.Join(p.BaseDir, dir, "**", name)
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			slog.Debug("test discovery glob failed", "pattern", pattern, "error", err)
			continue
		}
		// Also accept a direct hit in the directory itself.
		if direct := filepath.Join(p.BaseDir, dir, name); fileExists(direct) {
			matches = append([]string{direct}, matches...)
		}
		for _, m := range matches {
			rel, err := filepath.Rel(p.BaseDir, m)
			if err != nil {
				continue
			}
			return rel, true
		}
	}
	return "", false
}
