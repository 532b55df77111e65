// Package main probes the orchestrator's /healthz endpoint for container
// health checks. It exits 0 when the server reports ok and 1 otherwise.
// Usage: healthcheck [--timeout 5s] [url]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
)

const defaultURL = "http://localhost:8080/healthz"

func main() {
	timeout := pflag.Duration("timeout", 5*time.Second, "request timeout")
	pflag.Parse()

	url := os.Getenv("ORCH_HEALTHCHECK_URL")
	if pflag.NArg() > 0 {
		url = pflag.Arg(0)
	}
	if url == "" {
		url = defaultURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := probe(ctx, http.DefaultClient, url); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("server reports %q", body.Status)
	}
	return nil
}
