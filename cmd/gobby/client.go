package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gobby/internal/config"
	"gobby/internal/gerrors"
)

// apiClient talks to the daemon's REST surface. Transported errors are
// rebuilt from the {error, kind} payload so exit codes survive the wire.
type apiClient struct {
	base string
	http *http.Client
}

func api() *apiClient {
	return &apiClient{
		base: resolveAddr(),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func resolveAddr() string {
	if flagAddr != "" {
		return flagAddr
	}
	if addr := os.Getenv("GOBBY_ADDR"); addr != "" {
		return addr
	}
	if cfg, err := config.Load(); err == nil {
		return cfg.BaseURL()
	}
	return "http://127.0.0.1:7133"
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return gerrors.Internal("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return gerrors.Internal("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return gerrors.Internal("daemon unreachable at %s (is it running? try `gobby start`): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gerrors.Internal("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var wire struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &wire) == nil && wire.Error != "" {
			return gerrors.New(gerrors.Kind(wire.Kind), "%s", wire.Error)
		}
		return gerrors.Internal("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return gerrors.Internal("decode response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) get(path string, out any) error  { return c.do(http.MethodGet, path, nil, out) }
func (c *apiClient) del(path string, out any) error  { return c.do(http.MethodDelete, path, nil, out) }
func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}
func (c *apiClient) put(path string, body, out any) error {
	return c.do(http.MethodPut, path, body, out)
}

// currentProject resolves the project scope: the --project flag wins,
// otherwise .gobby/project.json is searched upward from the working
// directory. Empty means unscoped.
func currentProject() string {
	if flagProject != "" {
		return flagProject
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		data, err := os.ReadFile(filepath.Join(dir, ".gobby", "project.json"))
		if err == nil {
			var marker struct {
				ProjectID string `json:"project_id"`
			}
			if json.Unmarshal(data, &marker) == nil && marker.ProjectID != "" {
				flagProject = marker.ProjectID
				return flagProject
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// query builds a query string from non-empty values.
func query(kv map[string]string) string {
	vals := url.Values{}
	for k, v := range kv {
		if v != "" {
			vals.Set(k, v)
		}
	}
	if len(vals) == 0 {
		return ""
	}
	return "?" + vals.Encode()
}

// printJSON renders a response for the terminal.
func printJSON(v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gerrors.Internal("render output: %w", err)
	}
	fmt.Println(string(buf))
	return nil
}
