package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// matchGlob matches a slash-separated path against a pattern supporting *,
// ? and ** (any number of directories).
func matchGlob(pattern, p string) bool {
	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, p)
		return ok
	}
	prefix, rest, _ := strings.Cut(pattern, "**")
	suffix := strings.TrimLeft(rest, "/")
	if prefix != "" && !strings.HasPrefix(p, prefix) {
		return false
	}
	if suffix == "" {
		return true
	}
	parts := strings.Split(strings.TrimPrefix(p, prefix), "/")
	for i := range parts {
		if ok, _ := filepath.Match(suffix, strings.Join(parts[i:], "/")); ok {
			return true
		}
	}
	return false
}

// walkGlob returns the files under root whose relative path matches
// pattern, skipping .git directories.
func walkGlob(root, pattern string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if matchGlob(pattern, filepath.ToSlash(rel)) {
			matches = append(matches, p)
		}
		return nil
	})
	return matches, err
}

// readDocuments parses every matching file under root. Unreadable or
// malformed files fail the whole read.
func readDocuments(root, pattern string) ([]readResult, error) {
	files, err := walkGlob(root, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]readResult, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		records, err := ParseDocument(data)
		if err != nil {
			return nil, &fileError{Path: f, Err: err}
		}
		out = append(out, readResult{Path: f, Records: records})
	}
	return out, nil
}
