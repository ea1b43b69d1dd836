// Package domain defines the external AI/RAG provider contract. The
// billing engine only cares that an invocation returns a measured usage
// quantity; everything else is provider-specific payload passed through.
package domain

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrProviderDisabled = errors.New("provider_disabled")
	ErrProviderAuth     = errors.New("provider_auth_failed")
	ErrProviderTimeout  = errors.New("provider_timeout")
	ErrProvider         = errors.New("provider_error")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type InvokeRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int64     `json:"max_tokens,omitempty"`
}

// Usage is the measured consumption reported by the provider. For
// query-metered services TotalTokens is zero and the quantity is one
// query.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type InvokeResult struct {
	// Output is the provider response body, passed through unmodified.
	Output json.RawMessage `json:"output"`
	Usage  Usage           `json:"usage"`
	Model  string          `json:"model"`
	// ProviderRequestID is the upstream correlation id, kept in usage
	// metadata for support lookups.
	ProviderRequestID string `json:"provider_request_id,omitempty"`
}

// Client invokes one configured provider. Implementations must be safe
// for concurrent use and must honor context cancellation.
type Client interface {
	Key() string
	ServiceKey() string
	DefaultModel() string
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

type Info struct {
	Key          string `json:"key"`
	DefaultModel string `json:"default_model"`
	ServiceKey   string `json:"service_key"`
}

type Registry interface {
	// Get returns the enabled client for key, ErrProviderNotFound or
	// ErrProviderDisabled otherwise.
	Get(key string) (Client, error)
	// List returns the enabled providers only.
	List() []Info
}
