package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultTimeout   = 120 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// Client talks to an OpenAI-compatible chat completion API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the default provider.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: streamingTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// Chat sends a completion request and returns the response body. For
// streaming requests the body carries SSE events. The caller closes it.
func (c *Client) Chat(ctx context.Context, req CompletionRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := defaultTimeout
	if req.Stream {
		timeout = streamingTimeout
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, wrapCtxErr(ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("%w: rate limited after %d retries: %v", apperr.ErrProviderError, maxRetries, lastErr)
}

// Complete sends a non-streaming request and returns the first choice's
// content.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	req.Stream = false
	rc, err := c.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp completionResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return "", wrapCtxErr(ctx.Err())
		}
		return "", fmt.Errorf("%w: decoding completion: %v", apperr.ErrProviderError, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends a streaming request and calls onDelta for each content delta
// until the provider sends [DONE] or the body ends. It returns the full
// concatenated content.
func (c *Client) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (string, error) {
	req.Stream = true
	rc, err := c.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var full strings.Builder
	err = ReadDeltas(rc, func(delta string) error {
		full.WriteString(delta)
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return full.String(), wrapCtxErr(ctx.Err())
		}
		return full.String(), err
	}
	return full.String(), nil
}

// ReadDeltas parses an SSE completion stream, calling fn with every
// non-empty content delta.
func ReadDeltas(r io.Reader, fn func(string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			if err := fn(ch.Delta.Content); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) doChat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, wrapCtxErr(err)
		}
		return nil, fmt.Errorf("%w: executing request: %v", apperr.ErrProviderError, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()
		return nil, providerError(resp.StatusCode, respBody)
	}

	// Closing the body releases the per-request timeout.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// providerError passes the provider's error message through when the body
// has one.
func providerError(status int, body []byte) error {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		return fmt.Errorf("%w: %s", apperr.ErrProviderError, er.Error.Message)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "Unknown error"
	}
	return fmt.Errorf("%w: unexpected status %d: %s", apperr.ErrProviderError, status, msg)
}

func wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: completion request: %v", apperr.ErrTimeout, err)
	}
	return err
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ListModels returns the models the provider exposes.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, providerError(resp.StatusCode, body)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
