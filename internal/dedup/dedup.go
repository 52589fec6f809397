// Package dedup decides whether a remote file already exists somewhere in
// the local output tree. Only base names are compared; the subdirectory a
// file was stored in does not matter.
package dedup

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
)

// PartialSuffix marks a download in progress. Partial files never count as
// present.
const PartialSuffix = ".part"

// Exists walks root and reports whether any file is named name. A missing
// root means nothing exists yet.
func Exists(root, name string) (bool, error) {
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && isNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() && d.Name() == name && !strings.HasSuffix(name, PartialSuffix) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

// Filter is a set of file names present under an output tree, built once
// per run. It is safe for concurrent use.
type Filter struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// NewFilter returns an empty filter.
func NewFilter() *Filter {
	return &Filter{names: make(map[string]struct{})}
}

// Scan walks root once and returns a filter holding every complete file
// name found. A missing root yields an empty filter.
func Scan(root string) (*Filter, error) {
	f := NewFilter()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && isNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			f.Add(d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Has reports whether name is present. A nil filter has nothing.
func (f *Filter) Has(name string) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.names[name]
	return ok
}

// Add records name as present. Partial names are ignored.
func (f *Filter) Add(name string) {
	if f == nil || strings.HasSuffix(name, PartialSuffix) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[name] = struct{}{}
}

// Len returns the number of names in the filter.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.names)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
