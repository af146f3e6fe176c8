// Package synth provides the HTTP client for the external speech synthesis
// capability. The client classifies failures against the pipeline error
// taxonomy but owns no retry state of its own; retries are driven entirely
// by the orchestrator.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/narration-vault/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Defaults applied when a request leaves optional fields unset.
const (
	defaultTemperature = 0.75
	defaultFormat      = "wav"
)

// Static errors.
var (
	ErrTextEmpty       = errors.New("text cannot be empty")
	ErrEmptyAudio      = errors.New("received empty audio data")
	ErrBadContentType  = errors.New("unexpected content type")
	ErrServiceResponse = errors.New("synthesis service error")
)

// errorResponse is the structured error payload returned by the service.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// requestPayload is the JSON body of a generation request.
type requestPayload struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	Emotion     string  `json:"emotion,omitempty"`
	Format      string  `json:"format"`
	Temperature float64 `json:"temperature"`
}

// HTTPClient implements core.Synthesizer against the synthesis HTTP
// service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a client for the synthesis service. The baseURL
// should include protocol and port (e.g. "http://localhost:8000"); the
// timeout applies to every request.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize sends one generation request and returns the raw WAV bytes.
// Failures are classified: HTTP 429 wraps core.ErrThrottled, transport
// failures and 5xx responses wrap core.ErrTransient, and other non-success
// statuses wrap core.ErrNonRetryable.
func (c *HTTPClient) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrNonRetryable, ErrTextEmpty)
	}

	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}

	if req.Format == "" {
		req.Format = defaultFormat
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts, refused connections, and DNS failures are all
		// retryable from the orchestrator's point of view.
		return nil, fmt.Errorf("%w: request to %s failed: %w",
			core.ErrTransient, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		// A 200 carrying the wrong content type usually means a proxy or
		// truncated response got in the way; worth retrying.
		return nil, fmt.Errorf("%w: %w: expected %s, got %s",
			core.ErrTransient, ErrBadContentType, contentTypeWAV, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio data: %w", core.ErrTransient, err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrTransient, ErrEmptyAudio)
	}

	return audioData, nil
}

// HealthCheck verifies the synthesis service is reachable and reports
// healthy. Runs perform it before dispatching a large batch to fail fast.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	url := c.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

func (c *HTTPClient) buildRequest(
	ctx context.Context,
	req core.SynthesisRequest,
) (*http.Request, error) {
	payload := requestPayload{
		Text:        req.Text,
		Voice:       req.Voice,
		Emotion:     req.Emotion,
		Format:      req.Format,
		Temperature: req.Temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiGenerateSpeech,
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	return httpReq, nil
}

// classifyError maps a non-OK response to the pipeline error taxonomy,
// preserving the service's structured detail when present.
func (c *HTTPClient) classifyError(resp *http.Response) error {
	detail := readErrorDetail(resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", core.ErrThrottled, resp.Status, detail)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: %s", core.ErrTransient, resp.Status, detail)
	default:
		return fmt.Errorf("%w: %w: %s: %s",
			core.ErrNonRetryable, ErrServiceResponse, resp.Status, detail)
	}
}

// readErrorDetail decodes a structured JSON error body, falling back to the
// raw body so diagnostics are never lost.
func readErrorDetail(resp *http.Response) string {
	var payload errorResponse

	err := json.NewDecoder(resp.Body).Decode(&payload)
	if err == nil && payload.Detail != "" {
		if payload.ErrorCode != "" {
			return fmt.Sprintf("%s (code: %s)", payload.Detail, payload.ErrorCode)
		}

		return payload.Detail
	}

	body, _ := io.ReadAll(resp.Body)

	return string(body)
}
