// Package modelserver talks to the local LLM backend (an Ollama-compatible
// HTTP API) to load and unload LoRA adapters during full-cycle activation.
package modelserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"
)

// Client implements contracts.ModelServerClient against an Ollama-style
// HTTP API, retrying transient failures with exponential backoff rather
// than the fixed attempt*2-second sleep the teacher's notify dispatcher
// used for webhook delivery.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

var _ contracts.ModelServerClient = (*Client)(nil)

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 20 * time.Second
	return backoff.WithContext(b, ctx)
}

// LoadAdapter posts a Modelfile reference to the model server so it builds
// (or rebuilds) modelName from it.
func (c *Client) LoadAdapter(ctx context.Context, modelName, modelfilePath string) error {
	payload := map[string]string{"name": modelName, "modelfile": modelfilePath}
	return c.postWithRetry(ctx, "/api/create", payload)
}

// UnloadModel asks the model server to evict modelName from memory.
func (c *Client) UnloadModel(ctx context.Context, modelName string) error {
	payload := map[string]interface{}{"name": modelName, "keep_alive": 0}
	return c.postWithRetry(ctx, "/api/generate", payload)
}

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("model server unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postWithRetry(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err // network error: retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("model server HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("model server rejected request: HTTP %d", resp.StatusCode))
		}
		return nil
	}

	err = backoff.Retry(op, c.retryPolicy(ctx))
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("model server request failed after retries")
	}
	return err
}
