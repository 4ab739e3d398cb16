// Package controlplane is the HTTP client for the remote runtime
// control plane: creating, listing and deleting ephemeral runtimes and
// listing the environments they can run.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jovyan/nbgate/internal/protocol"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// NewWithHTTPClient overrides the HTTP client (tests).
func NewWithHTTPClient(baseURL, token string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, token: token, httpClient: httpClient}
}

type createRuntimeRequest struct {
	EnvironmentName string `json:"environment_name"`
	GivenName       string `json:"given_name"`
	MinutesLimit    int    `json:"minutes_limit"`
}

type runtimeResponse struct {
	Runtime *protocol.Runtime `json:"runtime"`
}

type runtimesResponse struct {
	Runtimes []protocol.Runtime `json:"runtimes"`
}

type environmentsResponse struct {
	Environments []protocol.Environment `json:"environments"`
}

// CreateRuntime asks the control plane for a new runtime with a fixed
// minutes budget. The returned runtime carries the ingress and token
// needed to reach its kernel gateway.
func (c *Client) CreateRuntime(ctx context.Context, environment, name string, minutes int) (*protocol.Runtime, error) {
	body, err := json.Marshal(createRuntimeRequest{
		EnvironmentName: environment,
		GivenName:       name,
		MinutesLimit:    minutes,
	})
	if err != nil {
		return nil, err
	}

	var resp runtimeResponse
	if err := c.do(ctx, http.MethodPost, "/api/runtimes", bytes.NewReader(body), &resp); err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	if resp.Runtime == nil {
		return nil, fmt.Errorf("create runtime: empty response")
	}
	return resp.Runtime, nil
}

// ListRuntimes returns the caller's active runtimes.
func (c *Client) ListRuntimes(ctx context.Context) ([]protocol.Runtime, error) {
	var resp runtimesResponse
	if err := c.do(ctx, http.MethodGet, "/api/runtimes", nil, &resp); err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}
	return resp.Runtimes, nil
}

// GetRuntime fetches one runtime by pod name.
func (c *Client) GetRuntime(ctx context.Context, podName string) (*protocol.Runtime, error) {
	var resp runtimeResponse
	if err := c.do(ctx, http.MethodGet, "/api/runtimes/"+podName, nil, &resp); err != nil {
		return nil, fmt.Errorf("get runtime %s: %w", podName, err)
	}
	return resp.Runtime, nil
}

// DeleteRuntime deletes a runtime by pod name. A runtime the remote
// side already reaped counts as deleted.
func (c *Client) DeleteRuntime(ctx context.Context, podName string) error {
	err := c.do(ctx, http.MethodDelete, "/api/runtimes/"+podName, nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusGone) {
			return nil
		}
		return fmt.Errorf("delete runtime %s: %w", podName, err)
	}
	return nil
}

// ListEnvironments returns the environments runtimes can be created in.
func (c *Client) ListEnvironments(ctx context.Context) ([]protocol.Environment, error) {
	var resp environmentsResponse
	if err := c.do(ctx, http.MethodGet, "/api/environments", nil, &resp); err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	return resp.Environments, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
