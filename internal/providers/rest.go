package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgeml/forge/internal/domain/apperr"
)

const defaultCallTimeout = 30 * time.Second

// restClient is the shared JSON-over-HTTP plumbing of the broker, batch
// (REST mode) and rental clients. Every call is bounded by its own timeout
// so a hung backend cannot pin the caller's request.
type restClient struct {
	provider string
	baseURL  string
	headers  map[string]string
	http     *http.Client
}

func newRESTClient(provider, baseURL string, headers map[string]string) *restClient {
	return &restClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		headers:  headers,
		http:     &http.Client{Timeout: defaultCallTimeout},
	}
}

// doJSON performs one call, decoding the response into out when non-nil.
// Transport failures and 5xx responses are retryable; 4xx are not; 404 maps
// to ErrNotFound.
func (c *restClient) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &apperr.ProviderCallFailedError{Op: op, Provider: c.provider, Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFoundf("%s: %s", c.provider, path)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apperr.ProviderCallFailedError{
			Op:        op,
			Provider:  c.provider,
			Retryable: resp.StatusCode >= 500,
			Cause:     fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apperr.ProviderCallFailedError{Op: op, Provider: c.provider, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
