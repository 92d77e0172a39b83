// Package download streams model artifacts from a remote repository straight
// to disk. Artifacts can be gigabytes, so the pipeline never buffers a full
// payload in memory, and a failed stream never leaves a partial file behind
// masquerading as a complete artifact.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "PluginHub/internal/errors"
	"PluginHub/internal/plugin"
	"PluginHub/pkg/logger"
)

const defaultEndpoint = "https://huggingface.co"

// Pipeline fetches named artifacts and writes them below a base directory.
type Pipeline struct {
	baseDir  string
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEndpoint points the pipeline at a different model repository, which
// the tests use to substitute an httptest server.
func WithEndpoint(endpoint string) Option {
	return func(p *Pipeline) {
		if endpoint != "" {
			p.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pipeline) {
		if client != nil {
			p.client = client
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// New constructs a Pipeline rooted at baseDir. Downloads without an explicit
// destination land in <baseDir>/<plugin id>/<task type>.
func New(baseDir string, opts ...Option) *Pipeline {
	p := &Pipeline{
		baseDir:  baseDir,
		endpoint: defaultEndpoint,
		client:   &http.Client{},
		log:      logger.Named("download"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Download fetches one artifact and reports the saved path and size. On any
// failure mid-stream the partially written file is removed and the caller is
// expected to retry the whole request; the pipeline does not resume.
func (p *Pipeline) Download(ctx context.Context, req plugin.DownloadRequest) (plugin.DownloadResult, error) {
	if strings.TrimSpace(req.ModelID) == "" {
		return plugin.DownloadResult{}, xerrors.New(xerrors.CodeInvalidArgument, "model_id is required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return plugin.DownloadResult{}, xerrors.New(xerrors.CodeInvalidArgument, "filename is required")
	}
	if !req.TaskType.Valid() {
		return plugin.DownloadResult{}, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown task type %q", req.TaskType)
	}

	destDir := req.DestinationDir
	if destDir == "" {
		destDir = filepath.Join(p.baseDir, req.PluginID, req.TaskType.DirectorySuffix())
	}
	targetPath, err := resolveTarget(destDir, req.Filename)
	if err != nil {
		return plugin.DownloadResult{}, err
	}

	// The destination is validated before any network activity.
	downloadURL, err := p.buildURL(req)
	if err != nil {
		return plugin.DownloadResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return plugin.DownloadResult{}, xerrors.Wrap(xerrors.CodeDownloadFailed, err, "build download request")
	}
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return plugin.DownloadResult{}, xerrors.Wrap(xerrors.CodeDownloadFailed, err, "fetch "+req.Filename)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return plugin.DownloadResult{}, xerrors.Newf(xerrors.CodeDownloadFailed,
			"repository returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return plugin.DownloadResult{}, xerrors.Wrap(xerrors.CodeDownloadFailed, err, "create destination directory")
	}

	bytesWritten, err := p.store(targetPath, resp.Body)
	if err != nil {
		return plugin.DownloadResult{}, err
	}

	p.log.Info("artifact downloaded",
		slog.String("plugin_id", req.PluginID),
		slog.String("model_id", req.ModelID),
		slog.String("saved_path", targetPath),
		slog.Int64("bytes_written", bytesWritten),
	)
	return plugin.DownloadResult{SavedPath: targetPath, BytesWritten: bytesWritten}, nil
}

// store streams body into a temp file next to the target and renames it into
// place once the stream completes, so a concurrent reader never sees a
// half-written artifact and a re-download atomically replaces the old one.
func (p *Pipeline) store(targetPath string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeDownloadFailed, err, "create artifact directory")
	}
	tempPath := fmt.Sprintf("%s.partial-%s", targetPath, uuid.NewString())
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeDownloadFailed, err, "create temp file")
	}

	bytesWritten, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return 0, xerrors.Wrap(xerrors.CodeDownloadFailed, copyErr, "stream artifact to disk")
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		_ = os.Remove(tempPath)
		return 0, xerrors.Wrap(xerrors.CodeDownloadFailed, err, "finalize artifact")
	}
	return bytesWritten, nil
}

// buildURL composes <endpoint>/<model id>/resolve/<revision>/<filename>.
func (p *Pipeline) buildURL(req plugin.DownloadRequest) (string, error) {
	base, err := url.Parse(p.endpoint)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse repository endpoint")
	}
	revision := req.Revision
	if revision == "" {
		revision = "main"
	}
	segments := make([]string, 0, 8)
	for _, segment := range strings.Split(req.ModelID, "/") {
		if segment == "" {
			continue
		}
		segments = append(segments, segment)
	}
	segments = append(segments, "resolve", revision, req.Filename)
	joined := base.JoinPath(segments...)
	joined.RawQuery = "download=1"
	return joined.String(), nil
}

// resolveTarget joins the destination directory and filename, rejecting
// filenames that would escape the directory through traversal segments or
// absolute paths.
func resolveTarget(destDir, filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return "", xerrors.New(xerrors.CodeInvalidDestination, "filename must be relative")
	}
	absDir, err := filepath.Abs(destDir)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidDestination, err, "resolve destination directory")
	}
	target := filepath.Join(absDir, filepath.FromSlash(filename))
	if target != absDir && !strings.HasPrefix(target, absDir+string(filepath.Separator)) {
		return "", xerrors.Newf(xerrors.CodeInvalidDestination, "filename %q escapes the destination directory", filename)
	}
	if target == absDir {
		return "", xerrors.New(xerrors.CodeInvalidDestination, "filename resolves to the destination directory itself")
	}
	return target, nil
}

// SetTimeout bounds each download request end to end.
func (p *Pipeline) SetTimeout(d time.Duration) {
	if d > 0 {
		p.client.Timeout = d
	}
}
