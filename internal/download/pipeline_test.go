package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	xerrors "PluginHub/internal/errors"
	"PluginHub/internal/plugin"
)

func testRequest() plugin.DownloadRequest {
	return plugin.DownloadRequest{
		PluginID: "llmserver-rs",
		ModelID:  "Qwen/Qwen2-0.5B-Instruct-GGUF",
		Filename: "qwen2-0_5b-instruct-q4_k_m.gguf",
		TaskType: plugin.TaskTypeText,
	}
}

func TestDownloadStreamsArtifactToDisk(t *testing.T) {
	payload := bytes.Repeat([]byte("gguf-block-"), 4096)
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		if got := r.Header.Get("Authorization"); got != "Bearer hf_token" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	pipeline := New(baseDir, WithEndpoint(server.URL))

	req := testRequest()
	req.AuthToken = "hf_token"
	result, err := pipeline.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	wantPath := "/Qwen/Qwen2-0.5B-Instruct-GGUF/resolve/main/qwen2-0_5b-instruct-q4_k_m.gguf"
	if gotPath != wantPath {
		t.Fatalf("requested path %q, want %q", gotPath, wantPath)
	}
	if gotQuery != "download=1" {
		t.Fatalf("requested query %q, want download=1", gotQuery)
	}

	wantTarget := filepath.Join(baseDir, "llmserver-rs", "text", req.Filename)
	if result.SavedPath != wantTarget {
		t.Fatalf("saved path %q, want %q", result.SavedPath, wantTarget)
	}
	if result.BytesWritten != int64(len(payload)) {
		t.Fatalf("reported %d bytes, want %d", result.BytesWritten, len(payload))
	}

	data, err := os.ReadFile(result.SavedPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("artifact content does not match the served payload")
	}
	assertNoPartialFiles(t, filepath.Dir(result.SavedPath))
}

func TestDownloadUsesRequestedRevision(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	pipeline := New(t.TempDir(), WithEndpoint(server.URL))
	req := testRequest()
	req.Revision = "v2"
	if _, err := pipeline.Download(context.Background(), req); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if !strings.Contains(gotPath, "/resolve/v2/") {
		t.Fatalf("expected revision v2 in path, got %q", gotPath)
	}
}

func TestDownloadRemoteErrorLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "entry not found", http.StatusNotFound)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	pipeline := New(baseDir, WithEndpoint(server.URL))

	_, err := pipeline.Download(context.Background(), testRequest())
	if code := xerrors.CodeOf(err); code != xerrors.CodeDownloadFailed {
		t.Fatalf("expected DOWNLOAD_FAILED, got %v", err)
	}
	assertDirEmpty(t, baseDir)
}

func TestDownloadTruncatedStreamRemovesPartialFile(t *testing.T) {
	payload := []byte("only-a-fragment")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Announce more bytes than are sent so the client sees a
		// truncated body.
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)*10))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	pipeline := New(baseDir, WithEndpoint(server.URL))

	req := testRequest()
	_, err := pipeline.Download(context.Background(), req)
	if code := xerrors.CodeOf(err); code != xerrors.CodeDownloadFailed {
		t.Fatalf("expected DOWNLOAD_FAILED, got %v", err)
	}

	destDir := filepath.Join(baseDir, req.PluginID, "text")
	if _, statErr := os.Stat(filepath.Join(destDir, req.Filename)); !os.IsNotExist(statErr) {
		t.Fatal("truncated download must not leave the target file behind")
	}
	assertNoPartialFiles(t, destDir)
}

func TestDownloadRejectsTraversalBeforeAnyNetworkActivity(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	pipeline := New(t.TempDir(), WithEndpoint(server.URL))

	for _, filename := range []string{"../../etc/passwd", "/etc/passwd", "nested/../../escape.gguf"} {
		req := testRequest()
		req.Filename = filename
		_, err := pipeline.Download(context.Background(), req)
		if code := xerrors.CodeOf(err); code != xerrors.CodeInvalidDestination {
			t.Fatalf("filename %q: expected INVALID_DESTINATION, got %v", filename, err)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("destination validation must run before any request is sent, saw %d requests", hits.Load())
	}
}

func TestDownloadAllowsNestedRelativeFilename(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("weights"))
	}))
	defer server.Close()

	baseDir := t.TempDir()
	pipeline := New(baseDir, WithEndpoint(server.URL))
	req := testRequest()
	req.Filename = "shards/model-00001.gguf"

	result, err := pipeline.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	want := filepath.Join(baseDir, req.PluginID, "text", "shards", "model-00001.gguf")
	if result.SavedPath != want {
		t.Fatalf("saved path %q, want %q", result.SavedPath, want)
	}
}

func TestDownloadOverwritesExistingArtifact(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("new-weights"))
	}))
	defer server.Close()

	baseDir := t.TempDir()
	pipeline := New(baseDir, WithEndpoint(server.URL))
	req := testRequest()

	destDir := filepath.Join(baseDir, req.PluginID, "text")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		t.Fatalf("prepare destination: %v", err)
	}
	target := filepath.Join(destDir, req.Filename)
	if err := os.WriteFile(target, []byte("old-weights"), 0o644); err != nil {
		t.Fatalf("seed old artifact: %v", err)
	}

	result, err := pipeline.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	data, err := os.ReadFile(result.SavedPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "new-weights" {
		t.Fatalf("expected the artifact to be replaced, got %q", data)
	}
}

func TestDownloadValidatesRequest(t *testing.T) {
	pipeline := New(t.TempDir())
	cases := []struct {
		name   string
		mutate func(*plugin.DownloadRequest)
	}{
		{"missing model id", func(r *plugin.DownloadRequest) { r.ModelID = "" }},
		{"missing filename", func(r *plugin.DownloadRequest) { r.Filename = "" }},
		{"unknown task type", func(r *plugin.DownloadRequest) { r.TaskType = "video" }},
	}
	for _, tc := range cases {
		req := testRequest()
		tc.mutate(&req)
		_, err := pipeline.Download(context.Background(), req)
		if code := xerrors.CodeOf(err); code != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected INVALID_ARGUMENT, got %v", tc.name, err)
		}
	}
}

func assertNoPartialFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		t.Fatalf("read dir %s: %v", dir, err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".partial-") {
			t.Fatalf("found leftover partial file %s", entry.Name())
		}
	}
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	var found []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no files, found %v", found)
	}
}
