package scheduler

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DiscoveryResult is what path expansion found and which limits it hit.
type DiscoveryResult struct {
	Paths             []string
	HitDiscoveryLimit bool
	HitDepthLimit     bool
}

// expandToPDFs turns a mixed list of files and directories into resolved,
// deduplicated PDF paths. Directory walks never follow symlinked
// directories, stop at maxDepth levels, and give up once maxFiles paths are
// found.
func expandToPDFs(raw []string, recursive bool, maxFiles, maxDepth int) DiscoveryResult {
	var res DiscoveryResult
	seen := make(map[string]bool)

	add := func(p string) bool {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return false
		}
		if seen[resolved] {
			return false
		}
		seen[resolved] = true
		res.Paths = append(res.Paths, resolved)
		return len(res.Paths) >= maxFiles
	}

	for _, r := range raw {
		if res.HitDiscoveryLimit {
			break
		}
		info, err := os.Stat(r)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			if isPDFName(r) && add(r) {
				res.HitDiscoveryLimit = true
			}
			continue
		}
		if !info.IsDir() {
			continue
		}
		if !recursive {
			entries, err := os.ReadDir(r)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if !entry.Type().IsRegular() || !isPDFName(entry.Name()) {
					continue
				}
				if add(filepath.Join(r, entry.Name())) {
					res.HitDiscoveryLimit = true
					break
				}
			}
			continue
		}

		root := r
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				depth := walkDepth(root, path)
				if depth >= maxDepth {
					res.HitDepthLimit = true
					return fs.SkipDir
				}
				return nil
			}
			// WalkDir does not follow symlinks, so symlinked files and dirs
			// are naturally excluded from the scan.
			if !d.Type().IsRegular() || !isPDFName(path) {
				return nil
			}
			if add(path) {
				res.HitDiscoveryLimit = true
				return fs.SkipAll
			}
			return nil
		})
	}
	return res
}

func isPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func walkDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
