package fetcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ligustah/tilesync/internal/dedup"
	tilehttp "github.com/ligustah/tilesync/internal/http"
	"github.com/ligustah/tilesync/internal/progress"
	"github.com/ligustah/tilesync/internal/testutils"
)

func testHTTPOptions(token string) tilehttp.Options {
	return tilehttp.Options{MaxIdleConnsPerHost: 2, RetryAttempts: 2, Token: token}
}

// publishFiles adds n HDF5 files for one tile and returns a task per file.
func publishFiles(a *testutils.FakeArchive, dir string, n int) []Task {
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		doy := fmt.Sprintf("%03d", i+1)
		name := fmt.Sprintf("VNP46A1.A2021%s.h09v05.001.h5", doy)
		a.AddFile("5000", "VNP46A1", 2021, doy, name, testutils.HDF5Bytes(1024+i))
		tasks[i] = Task{
			ID:   i,
			URL:  a.URL() + testutils.FilePath("5000", "VNP46A1", 2021, doy, name),
			Dest: filepath.Join(dir, "h09v05", name),
		}
	}
	return tasks
}

func TestFetchAllAnyWorkerCount(t *testing.T) {
	for _, workers := range []int{1, 2, 3, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			archive := testutils.NewFakeArchive(t, "secret")
			dir := t.TempDir()
			tasks := publishFiles(archive, dir, 5)

			results, err := FetchAll(context.Background(), tasks, Options{
				Workers:     workers,
				HTTPOptions: testHTTPOptions("secret"),
			})
			if err != nil {
				t.Fatalf("FetchAll: %v", err)
			}
			if len(results) != len(tasks) {
				t.Fatalf("expected %d results, got %d", len(tasks), len(results))
			}
			for i, r := range results {
				if r.Task.ID != i {
					t.Errorf("results not ordered by task id: %d at %d", r.Task.ID, i)
				}
				if r.Status != StatusSuccess {
					t.Errorf("task %d: status %s (%s): %v", i, r.Status, r.Kind, r.Err)
				}
				got, err := os.ReadFile(r.Task.Dest)
				if err != nil {
					t.Fatalf("read %s: %v", r.Task.Dest, err)
				}
				if !bytes.Equal(got, testutils.HDF5Bytes(1024+i)) || r.Bytes != int64(len(got)) {
					t.Errorf("task %d: content mismatch", i)
				}
				if _, err := os.Stat(r.Task.Dest + dedup.PartialSuffix); !os.IsNotExist(err) {
					t.Errorf("task %d: partial file left behind", i)
				}
			}
		})
	}
}

func TestFetchEmptyBatch(t *testing.T) {
	results, err := FetchAll(context.Background(), nil, Options{})
	if err != nil || len(results) != 0 {
		t.Errorf("expected no results, got %v, %v", results, err)
	}
}

func TestFetchSkipsPresentFiles(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "")
	dir := t.TempDir()
	tasks := publishFiles(archive, dir, 3)

	filter := dedup.NewFilter()
	filter.Add(filepath.Base(tasks[1].Dest))

	results, err := FetchAll(context.Background(), tasks, Options{
		HTTPOptions: testHTTPOptions(""),
		Filter:      filter,
	})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	if results[1].Status != StatusSkipped {
		t.Errorf("expected skipped, got %s", results[1].Status)
	}
	if hits := archive.Hits(strings.TrimPrefix(tasks[1].URL, archive.URL())); hits != 0 {
		t.Errorf("skipped task should not be requested, got %d hits", hits)
	}
	if !filter.Has(filepath.Base(tasks[0].Dest)) || !filter.Has(filepath.Base(tasks[2].Dest)) {
		t.Error("fetched names should be added to the filter")
	}
}

func TestFetchIncompleteFile(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "")
	archive.AddFile("5000", "VNP46A1", 2021, "001", "broken.h5", []byte("<html>error page</html>"))
	dest := filepath.Join(t.TempDir(), "broken.h5")

	results, err := FetchAll(context.Background(), []Task{{
		URL:  archive.URL() + testutils.FilePath("5000", "VNP46A1", 2021, "001", "broken.h5"),
		Dest: dest,
	}}, Options{HTTPOptions: testHTTPOptions("")})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	r := results[0]
	if r.Status != StatusFailed || r.Kind != KindIncompleteFile || !errors.Is(r.Err, ErrIncompleteFile) {
		t.Errorf("expected incomplete file, got %s/%s: %v", r.Status, r.Kind, r.Err)
	}
	for _, p := range []string{dest, dest + dedup.PartialSuffix} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should not exist", p)
		}
	}
}

func TestFetchErrorKinds(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "")
	dir := t.TempDir()
	tasks := publishFiles(archive, dir, 3)

	archive.FailAlways(strings.TrimPrefix(tasks[0].URL, archive.URL()))
	archive.FailNext(strings.TrimPrefix(tasks[1].URL, archive.URL()), 1)
	tasks = append(tasks, Task{ID: 3, URL: archive.URL() + "/5000/VNP46A1/2021/001/missing.h5", Dest: filepath.Join(dir, "missing.h5")})

	results, err := FetchAll(context.Background(), tasks, Options{HTTPOptions: testHTTPOptions("")})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	want := []struct {
		status Status
		kind   Kind
	}{
		{StatusFailed, KindRequestExhausted},
		{StatusSuccess, KindNone},
		{StatusSuccess, KindNone},
		{StatusFailed, KindNotFound},
	}
	for i, w := range want {
		if results[i].Status != w.status || results[i].Kind != w.kind {
			t.Errorf("task %d: got %s/%s, want %s/%s (%v)", i, results[i].Status, results[i].Kind, w.status, w.kind, results[i].Err)
		}
	}
}

func TestFetchUnauthorized(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "secret")
	tasks := publishFiles(archive, t.TempDir(), 1)

	results, _ := FetchAll(context.Background(), tasks, Options{HTTPOptions: testHTTPOptions("wrong")})
	if results[0].Kind != KindUnauthorized {
		t.Errorf("expected unauthorized, got %s", results[0].Kind)
	}
}

func TestFetchTaskTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	results, err := FetchAll(context.Background(), []Task{
		{ID: 0, URL: server.URL + "/slow.h5", Dest: filepath.Join(t.TempDir(), "slow.h5")},
	}, Options{
		HTTPOptions: testHTTPOptions(""),
		TaskTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if results[0].Kind != KindTimeout {
		t.Errorf("expected timeout, got %s: %v", results[0].Kind, results[0].Err)
	}
}

func TestFetchCanceledBeforeStart(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "")
	tasks := publishFiles(archive, t.TempDir(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reporter := progress.NewReporter(progress.Options{Total: len(tasks), Output: io.Discard})
	results, err := FetchAll(ctx, tasks, Options{HTTPOptions: testHTTPOptions(""), Progress: reporter})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(results) != len(tasks) {
		t.Fatalf("expected %d results, got %d", len(tasks), len(results))
	}
	for _, r := range results {
		if r.Kind != KindCanceled {
			t.Errorf("task %d: expected canceled, got %s", r.Task.ID, r.Kind)
		}
	}
	if archive.TotalHits() != 0 {
		t.Errorf("expected no requests, got %d", archive.TotalHits())
	}
	if c := reporter.Counts(); c.InProgress != 0 || c.Failed != len(tasks) {
		t.Errorf("canceled tasks should count as failed without being in progress, got %+v", c)
	}
}

func TestFetchCancelLetsTransferFinish(t *testing.T) {
	data := testutils.HDF5Bytes(4096)
	flushed := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data[:len(data)/2])
		w.(http.Flusher).Flush()
		close(flushed)
		<-release
		w.Write(data[len(data)/2:])
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dest := filepath.Join(t.TempDir(), "VNP46A1.A2021001.h09v05.001.h5")
	batch := Run(ctx, []Task{{URL: server.URL + "/VNP46A1.A2021001.h09v05.001.h5", Dest: dest}}, Options{
		Workers:     1,
		HTTPOptions: testHTTPOptions(""),
	})

	<-flushed
	cancel()
	close(release)

	var results []Result
	for r := range batch.Results() {
		results = append(results, r)
	}
	if err := batch.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusSuccess {
		t.Fatalf("in-flight transfer should complete after cancel, got %+v", results)
	}
	got, err := os.ReadFile(dest)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("unexpected file content (%d bytes): %v", len(got), err)
	}
}

func TestFetchCancelStopsRetries(t *testing.T) {
	var hits atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testHTTPOptions("")
	opts.RetryAttempts = 5
	results, err := FetchAll(ctx, []Task{{URL: server.URL + "/a.h5", Dest: filepath.Join(t.TempDir(), "a.h5")}}, Options{
		Workers:     1,
		HTTPOptions: opts,
	})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if results[0].Kind != KindCanceled || !errors.Is(results[0].Err, tilehttp.ErrStopped) {
		t.Errorf("expected canceled at the retry boundary, got %s: %v", results[0].Kind, results[0].Err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", hits.Load())
	}
}

func TestCircuitBreaker(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "")
	dir := t.TempDir()
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{ID: i, URL: fmt.Sprintf("%s/missing/%d.h5", archive.URL(), i), Dest: filepath.Join(dir, fmt.Sprintf("%d.h5", i))}
	}

	results, err := FetchAll(context.Background(), tasks, Options{
		Workers:                1,
		HTTPOptions:            testHTTPOptions(""),
		MaxConsecutiveFailures: 2,
	})

	var cbErr *CircuitBreakerError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected CircuitBreakerError, got %v", err)
	}
	if cbErr.ConsecutiveFailures != 2 || len(cbErr.FailedTasks) != 2 {
		t.Errorf("unexpected breaker state: %+v", cbErr)
	}
	if len(results) != len(tasks) {
		t.Fatalf("expected %d results, got %d", len(tasks), len(results))
	}

	s := Summarize(results)
	if s.ByKind[KindNotFound] != 2 || s.ByKind[KindCanceled] != 4 {
		t.Errorf("unexpected kinds: %v", s.ByKind)
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "")
	dir := t.TempDir()
	good := publishFiles(archive, dir, 2)
	tasks := []Task{
		{ID: 0, URL: archive.URL() + "/missing/0.h5", Dest: filepath.Join(dir, "0.h5")},
		{ID: 1, URL: good[0].URL, Dest: good[0].Dest},
		{ID: 2, URL: archive.URL() + "/missing/2.h5", Dest: filepath.Join(dir, "2.h5")},
		{ID: 3, URL: good[1].URL, Dest: good[1].Dest},
	}

	_, err := FetchAll(context.Background(), tasks, Options{
		Workers:                1,
		HTTPOptions:            testHTTPOptions(""),
		MaxConsecutiveFailures: 2,
	})
	if err != nil {
		t.Errorf("breaker should not trip on alternating failures: %v", err)
	}
}

func TestRunStreamsResults(t *testing.T) {
	archive := testutils.NewFakeArchive(t, "")
	tasks := publishFiles(archive, t.TempDir(), 4)

	batch := Run(context.Background(), tasks, Options{Workers: 2, HTTPOptions: testHTTPOptions("")})
	seen := make(map[int]bool)
	for r := range batch.Results() {
		if seen[r.Task.ID] {
			t.Errorf("task %d reported twice", r.Task.ID)
		}
		seen[r.Task.ID] = true
	}
	if err := batch.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(seen) != len(tasks) {
		t.Errorf("expected %d results, got %d", len(tasks), len(seen))
	}
}

func TestVerifyHDF5(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	userBlock := make([]byte, 512+64)
	copy(userBlock[512:], testutils.HDF5Bytes(64))

	// Version 0 superblock with 4-byte addresses: base, free space, end of
	// file, driver info.
	v0 := func(eof uint32, size int) []byte {
		data := make([]byte, size)
		copy(data, hdf5Signature)
		data[13], data[14] = 4, 4
		binary.LittleEndian.PutUint32(data[28:], 0xffffffff)
		binary.LittleEndian.PutUint32(data[32:], eof)
		binary.LittleEndian.PutUint32(data[36:], 0xffffffff)
		return data
	}

	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"plain.h5", testutils.HDF5Bytes(64), true},
		{"userblock.h5", userBlock, true},
		{"truncated.h5", testutils.HDF5Bytes(4096)[:1024], false},
		{"superblock-only.h5", testutils.HDF5Bytes(4096)[:20], false},
		{"v0.h5", v0(256, 256), true},
		{"v0-truncated.h5", v0(256, 200), false},
		{"signature-only.h5", append([]byte(hdf5Signature), make([]byte, 56)...), false},
		{"html.h5", []byte("<html>not found</html>"), false},
		{"empty.h5", nil, false},
		{"short.h5", []byte("\x89HD"), false},
	}
	for _, tt := range tests {
		err := VerifyHDF5(write(tt.name, tt.data))
		if (err == nil) != tt.ok {
			t.Errorf("VerifyHDF5(%s) = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestSummaryReport(t *testing.T) {
	results := []Result{
		{Task: Task{ID: 0, URL: "u0"}, Status: StatusSuccess, Bytes: 2048},
		{Task: Task{ID: 1, URL: "u1"}, Status: StatusSkipped},
		{Task: Task{ID: 2, URL: "u2"}, Status: StatusFailed, Kind: KindRequestExhausted, Err: tilehttp.ErrRequestExhausted},
	}
	s := Summarize(results)
	if s.OK() || s.Succeeded != 1 || s.Skipped != 1 || s.Failed != 1 || s.Bytes != 2048 {
		t.Errorf("unexpected summary: %+v", s)
	}

	var buf bytes.Buffer
	s.Report(&buf)
	out := buf.String()
	if !strings.Contains(out, "fetched 1 of 3 files (1 skipped, 1 failed, 2.00 KB)") {
		t.Errorf("unexpected report header:\n%s", out)
	}
	if !strings.Contains(out, "FAILED u2 [request_exhausted]") {
		t.Errorf("expected failed URL in report:\n%s", out)
	}
}

func TestKindString(t *testing.T) {
	if KindIncompleteFile.String() != "incomplete_file" || Kind(99).String() != "kind(99)" {
		t.Error("unexpected kind names")
	}
	if StatusSkipped.String() != "skipped" {
		t.Error("unexpected status name")
	}
}
