// Package pluginhub is a small Go client for the PluginHub REST API.
package pluginhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the PluginHub REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Plugin describes one installed plugin.
type Plugin struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// DownloadRequest asks the daemon to fetch one model artifact.
type DownloadRequest struct {
	ModelID        string `json:"model_id"`
	Filename       string `json:"filename"`
	Revision       string `json:"revision,omitempty"`
	DestinationDir string `json:"destination_dir,omitempty"`
	AuthToken      string `json:"auth_token,omitempty"`
	TaskType       string `json:"task_type"`
}

// DownloadResult reports where the artifact landed and how large it is.
type DownloadResult struct {
	SavedPath    string `json:"saved_path"`
	BytesWritten int64  `json:"bytes_written"`
}

// StartRequest asks the daemon to launch an inference service.
type StartRequest struct {
	ModelPath   string            `json:"model_path"`
	BinaryPath  string            `json:"binary_path,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	TaskType    string            `json:"task_type"`
}

// StartResult describes the spawned process.
type StartResult struct {
	PID     int      `json:"pid"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// StopRequest asks the daemon to terminate a running service.
type StopRequest struct {
	TaskType string `json:"task_type"`
}

// StopResult reports whether a process was actually terminated.
type StopResult struct {
	TaskType   string `json:"task_type"`
	Terminated bool   `json:"terminated"`
}

// Service is a snapshot of one running process.
type Service struct {
	PluginID  string    `json:"plugin_id"`
	TaskType  string    `json:"task_type"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Args      []string  `json:"args"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}

// HistoryRecord is one completed operation.
type HistoryRecord struct {
	ID        string `json:"id"`
	PluginID  string `json:"plugin_id"`
	TaskType  string `json:"task_type"`
	Kind      string `json:"kind"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pluginhub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pluginhub api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the PluginHub API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// ListPlugins returns the installed plugins.
func (c *Client) ListPlugins(ctx context.Context) ([]Plugin, error) {
	var plugins []Plugin
	if err := c.get(ctx, "/plugins", &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// DownloadModel fetches a model artifact through the named plugin.
func (c *Client) DownloadModel(ctx context.Context, pluginID string, req DownloadRequest) (DownloadResult, error) {
	var result DownloadResult
	endpoint := fmt.Sprintf("/plugins/%s/models/download", url.PathEscape(pluginID))
	if err := c.post(ctx, endpoint, req, &result); err != nil {
		return DownloadResult{}, err
	}
	return result, nil
}

// StartService launches an inference service for the named plugin.
func (c *Client) StartService(ctx context.Context, pluginID string, req StartRequest) (StartResult, error) {
	var result StartResult
	endpoint := fmt.Sprintf("/plugins/%s/services/start", url.PathEscape(pluginID))
	if err := c.post(ctx, endpoint, req, &result); err != nil {
		return StartResult{}, err
	}
	return result, nil
}

// StopService terminates a running service for the named plugin.
func (c *Client) StopService(ctx context.Context, pluginID string, req StopRequest) (StopResult, error) {
	var result StopResult
	endpoint := fmt.Sprintf("/plugins/%s/services/stop", url.PathEscape(pluginID))
	if err := c.post(ctx, endpoint, req, &result); err != nil {
		return StopResult{}, err
	}
	return result, nil
}

// Services lists the running processes for the named plugin.
func (c *Client) Services(ctx context.Context, pluginID string) ([]Service, error) {
	var services []Service
	endpoint := fmt.Sprintf("/plugins/%s/services", url.PathEscape(pluginID))
	if err := c.get(ctx, endpoint, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// History lists recorded operations for the named plugin, newest first. An
// empty kind returns every record.
func (c *Client) History(ctx context.Context, pluginID, kind string) ([]HistoryRecord, error) {
	var records []HistoryRecord
	endpoint := fmt.Sprintf("/plugins/%s/history", url.PathEscape(pluginID))
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
