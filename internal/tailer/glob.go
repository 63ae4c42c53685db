package tailer

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

const globMeta = "*?[{\\"

// Pattern matches file paths against a shell glob with {a,b} alternation
// and ** for any number of directories. ** also matches no directory at
// all, so dir/**/x.log includes dir/x.log.
type Pattern struct {
	raw      string
	g        glob.Glob
	root     string
	maxDepth int // -1 when ** allows any depth
}

// CompilePattern compiles a file glob.
func CompilePattern(pattern string) (*Pattern, error) {
	pattern = filepath.Clean(pattern)
	g, err := glob.Compile(pattern, filepath.Separator)
	if err != nil {
		return nil, err
	}
	p := &Pattern{raw: pattern, g: g, maxDepth: -1}
	p.root = staticRoot(pattern)
	if !strings.Contains(pattern, "**") {
		p.maxDepth = depth(pattern) - depth(p.root)
	}
	return p, nil
}

// String returns the pattern as written.
func (p *Pattern) String() string {
	return p.raw
}

// Match reports whether path matches the pattern.
func (p *Pattern) Match(path string) bool {
	return p.g.Match(filepath.Clean(path))
}

// Expand returns the regular files matching the pattern, sorted.
func (p *Pattern) Expand() ([]string, error) {
	if !strings.ContainsAny(p.raw, globMeta) {
		fi, err := os.Stat(p.raw)
		if err != nil || !fi.Mode().IsRegular() {
			return nil, nil
		}
		return []string{p.raw}, nil
	}

	var matches []string
	rootDepth := depth(p.root)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped, the rest of the walk continues
			if d != nil && d.IsDir() && path != p.root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p.maxDepth >= 0 && path != p.root && depth(path)-rootDepth >= p.maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !p.g.Match(path) {
			return nil
		}
		fi, err := os.Stat(path)
		if err == nil && fi.Mode().IsRegular() {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// staticRoot returns the directory part of pattern that precedes the first
// glob metacharacter.
func staticRoot(pattern string) string {
	idx := strings.IndexAny(pattern, globMeta)
	if idx == -1 {
		return filepath.Dir(pattern)
	}
	prefix := pattern[:idx]
	sep := strings.LastIndexByte(prefix, filepath.Separator)
	switch {
	case sep == -1:
		return "."
	case sep == 0:
		return string(filepath.Separator)
	default:
		return prefix[:sep]
	}
}

func depth(path string) int {
	if path == "." {
		return 0
	}
	return strings.Count(strings.TrimPrefix(path, string(filepath.Separator)), string(filepath.Separator)) + 1
}
