// Package client is an HTTP client for the devbox control plane API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/opendevbox/opendevbox/pkg/types"
)

// Client talks to the control plane on behalf of one user token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates an API client.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with bearer-token authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// decode unmarshals a 2xx response into out, or returns the API error.
func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateSandbox creates a new sandbox.
func (c *Client) CreateSandbox(ctx context.Context, cfg types.SandboxConfig) (*types.Sandbox, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes", cfg)
	if err != nil {
		return nil, err
	}
	var sb types.Sandbox
	if err := decode(resp, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes lists the caller's sandboxes.
func (c *Client) ListSandboxes(ctx context.Context) ([]types.Sandbox, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sandboxes", nil)
	if err != nil {
		return nil, err
	}
	var list types.SandboxListResponse
	if err := decode(resp, &list); err != nil {
		return nil, err
	}
	return list.Sandboxes, nil
}

// DestroySandbox tears a sandbox down; withSnapshot archives the
// workspace first.
func (c *Client) DestroySandbox(ctx context.Context, sandboxID string, withSnapshot bool) error {
	path := "/sandboxes/" + url.PathEscape(sandboxID)
	if withSnapshot {
		path += "?snapshot=true"
	}
	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// Exec runs a command in a sandbox.
func (c *Client) Exec(ctx context.Context, sandboxID string, req types.ExecRequest) (*types.ExecResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/exec", req)
	if err != nil {
		return nil, err
	}
	var result types.ExecResult
	if err := decode(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// WriteFile uploads raw bytes to a workspace path.
func (c *Client) WriteFile(ctx context.Context, sandboxID, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/sandboxes/"+url.PathEscape(sandboxID)+"/files/"+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	return decode(resp, nil)
}

// ReadFile downloads a workspace file.
func (c *Client) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID)+"/files/"+path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// RegisterPreview maps a sandbox port to an in-sandbox upstream.
func (c *Client) RegisterPreview(ctx context.Context, sandboxID string, req types.PreviewRequest) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/preview", req)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// Keepalive extends the sandbox's reap deadline.
func (c *Client) Keepalive(ctx context.Context, sandboxID string, ttlSeconds int) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/keepalive",
		types.KeepaliveRequest{TTLSeconds: ttlSeconds})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// StartBackground launches a background job.
func (c *Client) StartBackground(ctx context.Context, sandboxID string, argv []string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/background",
		types.BackgroundRequest{Argv: argv})
	if err != nil {
		return "", err
	}
	var out types.BackgroundResponse
	if err := decode(resp, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// StopBackground stops a background job.
func (c *Client) StopBackground(ctx context.Context, sandboxID, jobID string) (*types.JobInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodDelete,
		"/sandboxes/"+url.PathEscape(sandboxID)+"/background/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	var info types.JobInfo
	if err := decode(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateSnapshot archives a sandbox's workspace.
func (c *Client) CreateSnapshot(ctx context.Context, sandboxID string) (*types.Snapshot, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/snapshot/create",
		types.SnapshotCreateRequest{SandboxID: sandboxID})
	if err != nil {
		return nil, err
	}
	var snap types.Snapshot
	if err := decode(resp, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RestoreSnapshot restores an archive into a sandbox's workspace.
func (c *Client) RestoreSnapshot(ctx context.Context, snapshotID, sandboxID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/snapshot/restore",
		types.SnapshotRestoreRequest{SnapshotID: snapshotID, SandboxID: sandboxID})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// ListSnapshots lists the caller's snapshots, newest first.
func (c *Client) ListSnapshots(ctx context.Context) ([]types.Snapshot, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/snapshot/list", nil)
	if err != nil {
		return nil, err
	}
	var list types.SnapshotListResponse
	if err := decode(resp, &list); err != nil {
		return nil, err
	}
	return list.Snapshots, nil
}

// DeleteSnapshot removes a snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/snapshot/"+url.PathEscape(snapshotID), nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}
