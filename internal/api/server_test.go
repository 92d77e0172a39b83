package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "PluginHub/internal/errors"
	"PluginHub/internal/history"
	"PluginHub/internal/manager"
	"PluginHub/internal/plugin"
)

type stubSupervisor struct {
	startErr   error
	stopResult plugin.StopResult
	services   []plugin.ServiceInfo
}

func (s *stubSupervisor) Start(_ context.Context, _ plugin.Descriptor, _ plugin.StartRequest) (plugin.StartResult, error) {
	if s.startErr != nil {
		return plugin.StartResult{}, s.startErr
	}
	return plugin.StartResult{PID: 4242, Command: "llmserver", Args: []string{"serve"}}, nil
}

func (s *stubSupervisor) Stop(_ context.Context, _ plugin.StopRequest) (plugin.StopResult, error) {
	return s.stopResult, nil
}

func (s *stubSupervisor) Services(_ string) []plugin.ServiceInfo {
	return s.services
}

type stubDownloader struct {
	err    error
	result plugin.DownloadResult
}

func (s *stubDownloader) Download(_ context.Context, _ plugin.DownloadRequest) (plugin.DownloadResult, error) {
	if s.err != nil {
		return plugin.DownloadResult{}, s.err
	}
	return s.result, nil
}

func newTestServer(t *testing.T, sup *stubSupervisor, dl *stubDownloader) *httptest.Server {
	t.Helper()
	registry, err := plugin.NewRegistry([]plugin.Descriptor{
		{
			ID:          "llmserver-rs",
			Name:        "llmserver-rs",
			Description: "local inference server",
			Capabilities: []plugin.Capability{
				plugin.CapabilityModelDownload,
				plugin.CapabilityServiceStart,
				plugin.CapabilityServiceStop,
			},
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	mgr, err := manager.New(registry, sup, dl, manager.WithHistoryStore(history.NewMemoryStore()))
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}
	server := httptest.NewServer(NewServer(":0", mgr).Handler())
	t.Cleanup(server.Close)
	return server
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

func TestListPlugins(t *testing.T) {
	server := newTestServer(t, &stubSupervisor{}, &stubDownloader{})

	resp, err := http.Get(server.URL + "/plugins")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var descriptors []plugin.Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].ID != "llmserver-rs" {
		t.Fatalf("unexpected listing: %+v", descriptors)
	}
}

func TestDownloadUnknownPluginReturns404(t *testing.T) {
	server := newTestServer(t, &stubSupervisor{}, &stubDownloader{})

	resp, err := http.Post(server.URL+"/plugins/ghost/models/download", "application/json",
		strings.NewReader(`{"model_id":"qwen","filename":"m.gguf","task_type":"text"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != string(xerrors.CodeUnknownPlugin) {
		t.Fatalf("expected UNKNOWN_PLUGIN in body, got %s", code)
	}
}

func TestDownloadSuccess(t *testing.T) {
	dl := &stubDownloader{result: plugin.DownloadResult{SavedPath: "/models/m.gguf", BytesWritten: 2048}}
	server := newTestServer(t, &stubSupervisor{}, dl)

	resp, err := http.Post(server.URL+"/plugins/llmserver-rs/models/download", "application/json",
		strings.NewReader(`{"model_id":"qwen","filename":"m.gguf","task_type":"text"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result plugin.DownloadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if result.SavedPath != "/models/m.gguf" || result.BytesWritten != 2048 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDownloadStatusMapping(t *testing.T) {
	cases := []struct {
		code   xerrors.Code
		status int
	}{
		{xerrors.CodeInvalidDestination, http.StatusBadRequest},
		{xerrors.CodeDownloadFailed, http.StatusBadGateway},
		{xerrors.CodeInvalidArgument, http.StatusBadRequest},
	}
	for _, tc := range cases {
		server := newTestServer(t, &stubSupervisor{}, &stubDownloader{err: xerrors.New(tc.code, "boom")})
		resp, err := http.Post(server.URL+"/plugins/llmserver-rs/models/download", "application/json",
			strings.NewReader(`{"model_id":"qwen","filename":"m.gguf","task_type":"text"}`))
		if err != nil {
			t.Fatalf("%s: request failed: %v", tc.code, err)
		}
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.status, resp.StatusCode)
		}
		if code := decodeError(t, resp); code != string(tc.code) {
			t.Fatalf("expected %s in body, got %s", tc.code, code)
		}
		resp.Body.Close()
	}
}

func TestStartServiceConflictReturns409(t *testing.T) {
	sup := &stubSupervisor{startErr: xerrors.New(xerrors.CodeServiceAlreadyRunning, "slot occupied")}
	server := newTestServer(t, sup, &stubDownloader{})

	resp, err := http.Post(server.URL+"/plugins/llmserver-rs/services/start", "application/json",
		strings.NewReader(`{"model_path":"/models/m.gguf","task_type":"text"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != string(xerrors.CodeServiceAlreadyRunning) {
		t.Fatalf("expected SERVICE_ALREADY_RUNNING in body, got %s", code)
	}
}

func TestStartServiceSpawnFailureReturns500(t *testing.T) {
	sup := &stubSupervisor{startErr: xerrors.New(xerrors.CodeProcessSpawnFailed, "no such binary")}
	server := newTestServer(t, sup, &stubDownloader{})

	resp, err := http.Post(server.URL+"/plugins/llmserver-rs/services/start", "application/json",
		strings.NewReader(`{"model_path":"/models/m.gguf","task_type":"text"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestStopAbsentServiceReturns200(t *testing.T) {
	sup := &stubSupervisor{stopResult: plugin.StopResult{TaskType: plugin.TaskTypeTTS, Terminated: false}}
	server := newTestServer(t, sup, &stubDownloader{})

	resp, err := http.Post(server.URL+"/plugins/llmserver-rs/services/stop", "application/json",
		strings.NewReader(`{"task_type":"tts"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result plugin.StopResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if result.Terminated {
		t.Fatal("expected terminated=false for an absent service")
	}
	if result.TaskType != plugin.TaskTypeTTS {
		t.Fatalf("unexpected task type %s", result.TaskType)
	}
}

func TestMalformedBodyReturns400(t *testing.T) {
	server := newTestServer(t, &stubSupervisor{}, &stubDownloader{})

	resp, err := http.Post(server.URL+"/plugins/llmserver-rs/services/start", "application/json",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT in body, got %s", code)
	}
}

func TestListServices(t *testing.T) {
	sup := &stubSupervisor{services: []plugin.ServiceInfo{
		{PluginID: "llmserver-rs", TaskType: plugin.TaskTypeText, PID: 4242, Command: "llmserver"},
	}}
	server := newTestServer(t, sup, &stubDownloader{})

	resp, err := http.Get(server.URL + "/plugins/llmserver-rs/services")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var services []plugin.ServiceInfo
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(services) != 1 || services[0].PID != 4242 {
		t.Fatalf("unexpected services: %+v", services)
	}
}

func TestListHistoryUnknownPluginReturns404(t *testing.T) {
	server := newTestServer(t, &stubSupervisor{}, &stubDownloader{})

	resp, err := http.Get(server.URL + "/plugins/ghost/history")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListHistoryReturnsEmptyArray(t *testing.T) {
	server := newTestServer(t, &stubSupervisor{}, &stubDownloader{})

	resp, err := http.Get(server.URL + "/plugins/llmserver-rs/history")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected an empty history, got %d records", len(records))
	}
}
