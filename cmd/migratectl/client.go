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

	"github.com/gatewayshift/orchestrator/pkg/api"
)

// apiError is a non-2xx response from the orchestrator.
type apiError struct {
	StatusCode int
	Body       api.ErrorResponse
	Raw        string
}

func (e *apiError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, strings.TrimSpace(e.Raw))
	}
	msg := fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body.Error)
	if e.Body.Reason != "" {
		msg += " (" + e.Body.Reason + ")"
	}
	if e.Body.Lock != nil {
		msg += fmt.Sprintf("; locked by %s until %s", e.Body.Lock.Holder, e.Body.Lock.ExpiresAt.Format(time.RFC3339))
	}
	return msg
}

type migrateClient struct {
	baseURL string
	http    *http.Client
}

func newClient() *migrateClient {
	return &migrateClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiPath joins segments below the API base path, escaping each one.
func apiPath(segments ...string) string {
	var b strings.Builder
	b.WriteString(api.BasePath)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *migrateClient) do(ctx context.Context, method, path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	setIdentity(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		e := &apiError{StatusCode: resp.StatusCode, Raw: string(raw)}
		_ = json.Unmarshal(raw, &e.Body)
		return e
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	return nil
}

func (c *migrateClient) getJSON(ctx context.Context, path string, v any) error {
	return c.do(ctx, http.MethodGet, path, nil, v)
}

func (c *migrateClient) postJSON(ctx context.Context, path string, body, v any) error {
	if body == nil {
		body = struct{}{}
	}
	return c.do(ctx, http.MethodPost, path, body, v)
}

func (c *migrateClient) deleteJSON(ctx context.Context, path string, v any) error {
	return c.do(ctx, http.MethodDelete, path, nil, v)
}

func setIdentity(h http.Header) {
	if correlationID != "" {
		h.Set(api.HeaderCorrelationID, correlationID)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
		return
	}
	if principal != "" {
		h.Set(api.HeaderPrincipal, principal)
	}
	if team != "" {
		h.Set(api.HeaderTeam, team)
	}
	if role != "" {
		h.Set(api.HeaderRole, role)
	}
}
