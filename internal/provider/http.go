package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// apiClient wraps the outbound calls all concrete providers make: JSON or
// form bodies out, JSON back, auth header injected per provider.
type apiClient struct {
	base   string
	client *http.Client
	auth   func(*http.Request)
}

func newAPIClient(base string, client *http.Client, auth func(*http.Request)) *apiClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &apiClient{base: strings.TrimRight(base, "/"), client: client, auth: auth}
}

func (c *apiClient) do(ctx context.Context, method, path string, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, data, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) (int, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	status, data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return status, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return status, nil
}

func (c *apiClient) postForm(ctx context.Context, path string, form url.Values, out any) (int, error) {
	status, data, err := c.do(ctx, http.MethodPost, path,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return status, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return status, nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode %s request: %w", path, err)
	}
	status, data, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return status, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return status, nil
}

func ok(status int) bool {
	return status >= 200 && status < 300
}

func bearer(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// cents converts an integer minor-unit amount into major units.
func cents(v int64) float64 {
	return float64(v) / 100
}

func formatCents(v float64) string {
	return strconv.FormatInt(int64(v*100+0.5), 10)
}

// parseDecimalCents parses a minor-unit decimal string; malformed input
// counts as zero.
func parseDecimalCents(s string) float64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return cents(n)
}

// parseMajorUnits parses a "19.99" style amount string; malformed input
// counts as zero.
func parseMajorUnits(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
