// Package queue implements the pure ordering functions the scheduler uses
// to turn the accepted discovery set into a deterministic processing
// order. Every mode is a pure function of its inputs: re-invoking with
// the same files, roots, extensions, and seed yields the same sequence.
package queue

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"

	"github.com/five82/vbc/internal/domain"
)

const (
	SortName     = "name"
	SortSize     = "size"
	SortSizeAsc  = "size-asc"
	SortSizeDesc = "size-desc"
	SortExt      = "ext"
	SortDir      = "dir"
	SortRand     = "rand"
)

// Sort orders files according to mode. inputDirs and extensions are only
// consulted by the "dir" and "ext" modes respectively. seed drives "rand".
func Sort(files []*domain.VideoFile, inputDirs []string, extensions []string, mode string, seed int64) ([]*domain.VideoFile, error) {
	out := make([]*domain.VideoFile, len(files))
	copy(out, files)

	switch mode {
	case SortName:
		sortByName(out)
		return out, nil

	case SortSize, SortSizeAsc:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Size != out[j].Size {
				return out[i].Size < out[j].Size
			}
			return nameThenPathLess(out[i], out[j])
		})
		return out, nil

	case SortSizeDesc:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Size != out[j].Size {
				return out[i].Size > out[j].Size
			}
			return nameThenPathLess(out[i], out[j])
		})
		return out, nil

	case SortExt:
		if len(extensions) == 0 {
			return nil, fmt.Errorf("queue sort %q requires a non-empty extensions list", SortExt)
		}
		order := make(map[string]int, len(extensions))
		for i, e := range extensions {
			order[strings.ToLower(e)] = i
		}
		rank := func(vf *domain.VideoFile) int {
			if idx, ok := order[strings.ToLower(filepath.Ext(vf.Path))]; ok {
				return idx
			}
			return len(order)
		}
		sort.SliceStable(out, func(i, j int) bool {
			ri, rj := rank(out[i]), rank(out[j])
			if ri != rj {
				return ri < rj
			}
			return nameThenPathLess(out[i], out[j])
		})
		return out, nil

	case SortDir:
		return sortByDir(out, inputDirs), nil

	case SortRand:
		sortByName(out)
		r := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported queue sort %q", mode)
	}
}

func sortByName(files []*domain.VideoFile) {
	sort.SliceStable(files, func(i, j int) bool {
		return nameThenPathLess(files[i], files[j])
	})
}

func nameThenPathLess(a, b *domain.VideoFile) bool {
	an, bn := filepath.Base(a.Path), filepath.Base(b.Path)
	if an != bn {
		return an < bn
	}
	return a.Path < b.Path
}

func sortByDir(files []*domain.VideoFile, inputDirs []string) []*domain.VideoFile {
	byDir := make(map[string][]*domain.VideoFile, len(inputDirs))
	for _, d := range inputDirs {
		byDir[d] = nil
	}
	var leftovers []*domain.VideoFile

	for _, vf := range files {
		matched := false
		for _, d := range inputDirs {
			rel, err := filepath.Rel(d, vf.Path)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			byDir[d] = append(byDir[d], vf)
			matched = true
			break
		}
		if !matched {
			leftovers = append(leftovers, vf)
		}
	}

	var ordered []*domain.VideoFile
	for _, d := range inputDirs {
		entries := byDir[d]
		sort.SliceStable(entries, func(i, j int) bool {
			ri, _ := filepath.Rel(d, entries[i].Path)
			rj, _ := filepath.Rel(d, entries[j].Path)
			if ri != rj {
				return ri < rj
			}
			return nameThenPathLess(entries[i], entries[j])
		})
		ordered = append(ordered, entries...)
	}
	if len(leftovers) > 0 {
		sortByName(leftovers)
		ordered = append(ordered, leftovers...)
	}
	return ordered
}
