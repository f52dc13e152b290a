package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// adminClient talks to the fundd admin API.
type adminClient struct {
	baseURL string
	token   func() (string, error)
	http    *http.Client
}

func newAdminClient(baseURL string, token func() (string, error)) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is returned for non-2xx responses.
type apiError struct {
	Status int
	Reason string `json:"reason"`
	Detail string `json:"error"`
	Body   []byte
}

func (e *apiError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("fundd returned %d (%s): %s", e.Status, e.Reason, e.Detail)
	}
	return fmt.Sprintf("fundd returned %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// do sends payload as JSON and returns the raw response body.
func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode, Body: raw}
		_ = json.Unmarshal(raw, apiErr)
		return raw, apiErr
	}
	return raw, nil
}
