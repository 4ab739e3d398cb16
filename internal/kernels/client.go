// Package kernels shuts down Jupyter sessions and kernels at a
// runtime's ingress before the runtime itself is torn down.
package kernels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	httpClient *http.Client
}

func New() *Client {
	return &Client{httpClient: &http.Client{Timeout: defaultTimeout}}
}

// NewWithHTTPClient overrides the HTTP client (tests).
func NewWithHTTPClient(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient}
}

type session struct {
	ID string `json:"id"`
}

type kernel struct {
	ID string `json:"id"`
}

// ShutdownAll gracefully shuts down every session and kernel at the
// gateway. The remote side may have reaped them already; a missing
// session or kernel counts as shut down.
func (c *Client) ShutdownAll(ctx context.Context, ingress, token string) error {
	base := strings.TrimRight(ingress, "/")

	var sessions []session
	if err := c.get(ctx, base+"/api/sessions", token, &sessions); err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if err := c.delete(ctx, base+"/api/sessions/"+s.ID, token); err != nil {
			return fmt.Errorf("shutdown session %s: %w", s.ID, err)
		}
	}

	var ks []kernel
	if err := c.get(ctx, base+"/api/kernels", token, &ks); err != nil {
		return fmt.Errorf("list kernels: %w", err)
	}
	for _, k := range ks {
		if err := c.delete(ctx, base+"/api/kernels/"+k.ID, token); err != nil {
			return fmt.Errorf("shutdown kernel %s: %w", k.ID, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, url, token string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.auth(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) delete(ctx context.Context, url, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	c.auth(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Already gone is success.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) auth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}
}
