// Package cloudtasks implements CloudUploadTask and CloudDownloadTask, the
// two non-exclusive cooperative tasks that move a project's photos and
// processed model to and from a remote processing service over HTTP.
package cloudtasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteClient is the HTTP collaborator both tasks depend on. A real
// implementation wraps net/http the way the source engine's own request
// builder does (User-Agent, headers, context-aware requests); tests
// substitute a fake.
type RemoteClient interface {
	CreateProject(ctx context.Context, name string) (remoteID string, err error)
	UploadPart(ctx context.Context, remoteID string, partIndex, totalParts int, data []byte) error
	StartProcessing(ctx context.Context, remoteID string) error
	PollStatus(ctx context.Context, remoteID string) (RemoteStatus, error)
	DownloadURL(ctx context.Context, remoteID string) (string, error)
}

// RemoteStatus is the remote service's processing state for a project.
type RemoteStatus string

const (
	RemotePending    RemoteStatus = "pending"
	RemoteProcessing RemoteStatus = "processing"
	RemoteReady      RemoteStatus = "ready"
	RemoteFailed     RemoteStatus = "failed"
)

// HTTPClient is the default RemoteClient, a thin JSON-over-HTTP wrapper
// grounded on the teacher's own net/http request-building conventions
// (User-Agent header, context-scoped requests, JSON bodies) in its deleted
// download engine.
type HTTPClient struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

func NewHTTPClient(baseURL, userAgent string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		UserAgent:  userAgent,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	ua := c.UserAgent
	if ua == "" {
		ua = "openscan3-scannerd/1.0"
	}
	req.Header.Set("User-Agent", ua)
	return req, nil
}

func (c *HTTPClient) CreateProject(ctx context.Context, name string) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := c.newRequest(ctx, http.MethodPost, "/projects", jsonReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("cloudtasks: create project: status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) UploadPart(ctx context.Context, remoteID string, partIndex, totalParts int, data []byte) error {
	path := fmt.Sprintf("/projects/%s/parts/%d", remoteID, partIndex)
	req, err := c.newRequest(ctx, http.MethodPut, path, jsonReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Total-Parts", fmt.Sprintf("%d", totalParts))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cloudtasks: upload part %d: status %d", partIndex, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) StartProcessing(ctx context.Context, remoteID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/projects/%s/process", remoteID), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cloudtasks: start processing: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) PollStatus(ctx context.Context, remoteID string) (RemoteStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/status", remoteID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("cloudtasks: poll status: status %d", resp.StatusCode)
	}
	var out struct {
		Status RemoteStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *HTTPClient) DownloadURL(ctx context.Context, remoteID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/download-url", remoteID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("cloudtasks: download url: status %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func jsonReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
