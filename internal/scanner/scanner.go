// Package scanner performs the deterministic recursive file walk that
// backs discovery: extension and minimum-size filtering, with
// output-suffixed subtrees pruned from recursion.
package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Options controls what the scanner considers an eligible file.
type Options struct {
	Extensions   []string // lowercased, with leading dot, e.g. ".mp4"
	MinSizeBytes int64
	OutputSuffix string // directories ending in this suffix are pruned, e.g. "_out"
}

// Result is a single eligible file found under a root.
type Result struct {
	Path string
	Size int64
}

// Walk recursively enumerates root, returning every file whose lowercased
// extension is in opts.Extensions and whose size is >= opts.MinSizeBytes.
// Directories and files are visited in lexicographic order at each level
// (the guarantee filepath.WalkDir already provides), and any directory
// whose base name ends in opts.OutputSuffix is pruned from recursion.
// Files that cannot be stat-ed are silently skipped.
func Walk(root string, opts Options) ([]Result, error) {
	extSet := make(map[string]struct{}, len(opts.Extensions))
	for _, e := range opts.Extensions {
		extSet[strings.ToLower(e)] = struct{}{}
	}

	var results []Result
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // unreadable descendant: skip, don't abort the walk
		}
		if d.IsDir() {
			if path != root && opts.OutputSuffix != "" && strings.HasSuffix(d.Name(), opts.OutputSuffix) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := extSet[ext]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() < opts.MinSizeBytes {
			return nil
		}
		results = append(results, Result{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// WalkAll enumerates every file under root regardless of extension or
// size, used by the classifier's count-only pass (the "files_found"/
// "ignored_small" total). The output-suffix pruning rule still applies.
func WalkAll(root string, outputSuffix string) ([]Result, error) {
	var results []Result
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && outputSuffix != "" && strings.HasSuffix(d.Name(), outputSuffix) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		results = append(results, Result{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// IsDir reports whether path exists and is a directory, used by discovery
// to validate each configured input root up front.
func IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
