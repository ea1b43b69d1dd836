package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
)

// openAIClient speaks the OpenAI-compatible chat-completions wire
// format, which most self-hosted and commercial LLM endpoints accept.
type openAIClient struct {
	key        string
	serviceKey string
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

func newOpenAIClient(key, serviceKey, endpoint, apiKey, model string) *openAIClient {
	return &openAIClient{
		key:        key,
		serviceKey: serviceKey,
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *openAIClient) Key() string          { return c.key }
func (c *openAIClient) ServiceKey() string   { return c.serviceKey }
func (c *openAIClient) DefaultModel() string { return c.model }

type chatCompletionResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAIClient) Invoke(ctx context.Context, req providerdomain.InvokeRequest) (*providerdomain.InvokeResult, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", providerdomain.ErrProvider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providerdomain.ErrProvider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", providerdomain.ErrProvider, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, providerdomain.ErrProviderAuth
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: upstream status %d", providerdomain.ErrProvider, resp.StatusCode)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", providerdomain.ErrProvider, err)
	}

	usage := providerdomain.Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}

	return &providerdomain.InvokeResult{
		Output:            raw,
		Usage:             usage,
		Model:             model,
		ProviderRequestID: parsed.ID,
	}, nil
}

// classifyTransportError separates "the request provably never
// completed" (timeout, refused connection) from other transport
// failures. The gateway rolls back cleanly on timeouts; caller-side
// cancellation is handled one level up.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return providerdomain.ErrProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return providerdomain.ErrProviderTimeout
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return fmt.Errorf("%w: %v", providerdomain.ErrProvider, err)
}
