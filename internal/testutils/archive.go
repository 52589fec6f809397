// Package testutils provides shared test infrastructure: an in-process fake
// of the remote archive and, behind the integration build tag, a MinIO
// container for snapshot storage.
package testutils

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
)

// HDF5Signature is the superblock signature every HDF5 file starts with.
const HDF5Signature = "\x89HDF\r\n\x1a\n"

// HDF5Bytes returns a size-byte HDF5 image: a version 2 superblock with
// 8-byte addresses whose end-of-file address is size, followed by a
// deterministic pattern. Sizes below the superblock are raised to it.
func HDF5Bytes(size int) []byte {
	const superblockSize = 48
	size = max(size, superblockSize)
	data := make([]byte, size)
	for i := superblockSize; i < size; i++ {
		data[i] = byte(i % 256)
	}
	copy(data, HDF5Signature)
	data[8] = 2  // superblock version
	data[9] = 8  // size of offsets
	data[10] = 8 // size of lengths

	binary.LittleEndian.PutUint64(data[12:], 0)              // base address
	binary.LittleEndian.PutUint64(data[20:], math.MaxUint64) // no superblock extension
	binary.LittleEndian.PutUint64(data[28:], uint64(size))   // end of file
	binary.LittleEndian.PutUint64(data[36:], superblockSize) // root group object header
	return data
}

// FakeArchive serves directory listings and files the way the remote
// archive does:
//
//	/{as}/{product}.json                     years
//	/{as}/{product}/{year}.json              days of year
//	/{as}/{product}/{year}/{doy}.json        file names
//	/{as}/{product}/{year}/{doy}/{filename}  file content
//
// Listings are derived from the files added with AddFile.
type FakeArchive struct {
	Server *httptest.Server

	// Token, when set, is required as a bearer token on every request.
	Token string

	mu    sync.Mutex
	files map[string][]byte
	fail  map[string]int
	hits  map[string]int
	total int
}

// NewFakeArchive starts a fake archive that is shut down when the test ends.
func NewFakeArchive(t *testing.T, token string) *FakeArchive {
	t.Helper()
	a := &FakeArchive{
		Token: token,
		files: make(map[string][]byte),
		fail:  make(map[string]int),
		hits:  make(map[string]int),
	}
	a.Server = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.Server.Close)
	return a
}

// URL returns the archive base URL.
func (a *FakeArchive) URL() string {
	return a.Server.URL
}

// FilePath returns the request path of a published file.
func FilePath(archiveSet, product string, year int, doy, filename string) string {
	return fmt.Sprintf("/%s/%s/%d/%s/%s", archiveSet, product, year, doy, filename)
}

// AddFile publishes filename under (archiveSet, product, year, doy).
func (a *FakeArchive) AddFile(archiveSet, product string, year int, doy, filename string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[FilePath(archiveSet, product, year, doy, filename)] = data
}

// FailNext makes the next n requests for path answer 503.
func (a *FakeArchive) FailNext(path string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail[path] = n
}

// FailAlways makes every request for path answer 503.
func (a *FakeArchive) FailAlways(path string) {
	a.FailNext(path, -1)
}

// Hits returns how many requests path received.
func (a *FakeArchive) Hits(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits[path]
}

// TotalHits returns the number of requests served.
func (a *FakeArchive) TotalHits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *FakeArchive) serve(w http.ResponseWriter, r *http.Request) {
	if a.Token != "" && r.Header.Get("Authorization") != "Bearer "+a.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := r.URL.Path
	a.mu.Lock()
	a.hits[path]++
	a.total++
	if n := a.fail[path]; n != 0 {
		if n > 0 {
			a.fail[path] = n - 1
		}
		a.mu.Unlock()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	data, isFile := a.files[path]
	var children []string
	if !isFile && strings.HasSuffix(path, ".json") {
		children = a.children(strings.TrimSuffix(path, ".json"))
	}
	a.mu.Unlock()

	if isFile {
		w.Header().Set("Content-Type", "application/x-hdf5")
		w.Write(data)
		return
	}
	if children == nil {
		http.NotFound(w, r)
		return
	}

	listing := make([]map[string]string, 0, len(children))
	for _, c := range children {
		listing = append(listing, map[string]string{"name": c})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// children returns the sorted distinct path segments directly below dir.
// The caller holds a.mu.
func (a *FakeArchive) children(dir string) []string {
	prefix := dir + "/"
	seen := make(map[string]bool)
	for p := range a.files {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		seg, _, _ := strings.Cut(rest, "/")
		seen[seg] = true
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
