package meshclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	roaring "github.com/RoaringBitmap/roaring/roaring64"
	"github.com/op/go-logging"

	"github.com/pranitl/image2model/metrics"
)

var log = logging.MustGetLogger("log")

// Params are forwarded to the mesh service when a generation task is created.
type Params struct {
	ArtStyle        string `json:"art_style,omitempty"`
	Topology        string `json:"topology,omitempty"`
	TargetPolycount int    `json:"target_polycount,omitempty"`
	EnablePBR       bool   `json:"enable_pbr,omitempty"`
}

// ArtifactRef points at a downloaded model artifact.
type ArtifactRef struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// ProgressFunc receives generation progress as a 0-100 percentage. The
// client guarantees the reported value never decreases within one Submit.
type ProgressFunc func(progress int)

type Config struct {
	BaseURL        string
	APIKey         string
	ArtifactDir    string
	RequestTimeout time.Duration
}

// Client wraps calls to the image-to-3D generation service: upload the
// input image, create a task, consume its progress-event feed, fetch the
// final payload and download the resulting model.
type Client struct {
	baseURL     string
	apiKey      string
	artifactDir string
	http        *http.Client

	// replaced in tests to avoid real backoff sleeps
	sleep func(time.Duration)
}

func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		artifactDir: cfg.ArtifactDir,
		http:        &http.Client{Timeout: timeout},
		sleep:       time.Sleep,
	}
}

// Submit runs one generation end to end with the batch attempt ceiling.
func (c *Client) Submit(ctx context.Context, imagePath string, params Params, onProgress ProgressFunc) (ArtifactRef, error) {
	return c.submit(ctx, imagePath, params, onProgress, DefaultBatchAttempts)
}

// SubmitStandalone is the single-file re-run path; it gets a higher attempt
// ceiling than batch execution.
func (c *Client) SubmitStandalone(ctx context.Context, imagePath string, params Params, onProgress ProgressFunc) (ArtifactRef, error) {
	return c.submit(ctx, imagePath, params, onProgress, DefaultStandaloneAttempts)
}

func (c *Client) submit(ctx context.Context, imagePath string, params Params, onProgress ProgressFunc, maxAttempts int) (ArtifactRef, error) {
	guarded := monotonicProgress(onProgress)

	for attempt := 0; ; attempt++ {
		ref, err := c.runOnce(ctx, imagePath, params, guarded)
		if err == nil {
			return ref, nil
		}

		kind := Classify(err)
		if !kind.Retryable() {
			return ArtifactRef{}, &Error{Kind: kind, Msg: err.Error()}
		}
		// unknown failures get exactly one retry regardless of ceiling
		if kind == KindUnknown && attempt >= 1 {
			return ArtifactRef{}, &Error{Kind: kind, Msg: err.Error()}
		}
		if attempt+1 >= maxAttempts {
			return ArtifactRef{}, &Error{Kind: kind, Msg: err.Error()}
		}

		wait := backoffFor(kind, attempt)
		log.Warningf("mesh call failed (%s), attempt %d/%d, retrying in %s: %v", kind, attempt+1, maxAttempts, wait, err)
		metrics.ExternalRetries.WithLabelValues(kind.String()).Inc()
		c.sleep(wait)
	}
}

func (c *Client) runOnce(ctx context.Context, imagePath string, params Params, onProgress ProgressFunc) (ArtifactRef, error) {
	uploadID, err := c.upload(ctx, imagePath)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("upload: %w", err)
	}

	taskID, err := c.createTask(ctx, uploadID, params)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("create task: %w", err)
	}

	if err := c.consumeEvents(ctx, taskID, onProgress); err != nil {
		return ArtifactRef{}, fmt.Errorf("event feed: %w", err)
	}

	payload, err := c.fetchTask(ctx, taskID)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("fetch task: %w", err)
	}
	if payload.Status != "succeeded" {
		if payload.Error != "" {
			return ArtifactRef{}, fmt.Errorf("task %s: %s", payload.Status, payload.Error)
		}
		return ArtifactRef{}, fmt.Errorf("task finished with status %q", payload.Status)
	}

	ref, err := c.download(ctx, taskID, payload.ModelURL, payload.ContentType)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("download: %w", err)
	}
	return ref, nil
}

func (c *Client) upload(ctx context.Context, imagePath string) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		UploadID string `json:"upload_id"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.UploadID, nil
}

func (c *Client) createTask(ctx context.Context, uploadID string, params Params) (string, error) {
	body := struct {
		UploadID string `json:"upload_id"`
		Params
	}{UploadID: uploadID, Params: params}

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/image-to-3d", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

type feedEvent struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	CreatedAt uint64 `json:"created_at"`
}

// consumeEvents reads the task's server-sent progress feed until a terminal
// status or EOF. The feed may deliver duplicates; events are deduplicated by
// their creation timestamp.
func (c *Client) consumeEvents(ctx context.Context, taskID string, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/image-to-3d/"+taskID+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, body: string(body)}
	}

	seen := roaring.New()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev feedEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			log.Debugf("skipping malformed feed event for task %s: %v", taskID, err)
			continue
		}
		if seen.Contains(ev.CreatedAt) {
			continue
		}
		seen.Add(ev.CreatedAt)

		if onProgress != nil {
			onProgress(ev.Progress)
		}
		if isTerminalFeedStatus(ev.Status) {
			return nil
		}
	}
	// EOF without a terminal event: the fetch call decides the outcome
	return scanner.Err()
}

func isTerminalFeedStatus(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled", "expired":
		return true
	}
	return false
}

type taskPayload struct {
	Status      string `json:"status"`
	ModelURL    string `json:"model_url"`
	ContentType string `json:"content_type"`
	Error       string `json:"error"`
}

func (c *Client) fetchTask(ctx context.Context, taskID string) (taskPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/image-to-3d/"+taskID, nil)
	if err != nil {
		return taskPayload{}, err
	}
	var payload taskPayload
	if err := c.do(req, &payload); err != nil {
		return taskPayload{}, err
	}
	return payload, nil
}

func (c *Client) download(ctx context.Context, taskID, url, contentType string) (ArtifactRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ArtifactRef{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return ArtifactRef{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ArtifactRef{}, &apiError{status: resp.StatusCode, body: string(body)}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		contentType = ct
	}

	if err := os.MkdirAll(c.artifactDir, 0755); err != nil {
		return ArtifactRef{}, err
	}
	path := filepath.Join(c.artifactDir, taskID+extensionFor(contentType))
	out, err := os.Create(path)
	if err != nil {
		return ArtifactRef{}, err
	}
	size, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ArtifactRef{}, err
	}

	return ArtifactRef{Path: path, Size: size, ContentType: contentType}, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "model/gltf-binary":
		return ".glb"
	case "model/obj":
		return ".obj"
	default:
		return ".bin"
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do sends the request and decodes a JSON response into out. Responses with
// status >= 400 become apiError values for the classifier.
func (c *Client) do(req *http.Request, out interface{}) error {
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// monotonicProgress clamps reported progress so it never goes backwards,
// even across retries of the whole pipeline.
func monotonicProgress(onProgress ProgressFunc) ProgressFunc {
	if onProgress == nil {
		return nil
	}
	last := 0
	return func(p int) {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if p < last {
			return
		}
		last = p
		onProgress(p)
	}
}
