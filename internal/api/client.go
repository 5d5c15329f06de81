package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SuicidePanda1738/kismet-webui/internal/inventory"
	"github.com/SuicidePanda1738/kismet-webui/internal/supervisor"
)

// Error is a non-2xx answer from pushd.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pushd: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Client talks to a pushd control API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{BaseURL: strings.TrimRight(base, "/"), HTTP: &http.Client{Timeout: 90 * time.Second}}
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(name)+"/start", nil)
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(name)+"/stop", nil)
}

func (c *Client) Logs(ctx context.Context, name string, tail int) (LogsResponse, error) {
	var out LogsResponse
	path := "/api/agents/" + url.PathEscape(name) + "/log"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

func (c *Client) Reconcile(ctx context.Context) (supervisor.Report, error) {
	var out supervisor.Report
	err := c.do(ctx, http.MethodPost, "/api/reconcile", &out)
	return out, err
}

func (c *Client) Cleanup(ctx context.Context) (supervisor.CleanupReport, error) {
	var out supervisor.CleanupReport
	err := c.do(ctx, http.MethodPost, "/api/cleanup", &out)
	return out, err
}

func (c *Client) Devices(ctx context.Context, class string) (inventory.Result, error) {
	var out inventory.Result
	path := "/api/devices"
	if class != "" {
		path += "?type=" + url.QueryEscape(class)
	}
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
