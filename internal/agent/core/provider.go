package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
)

// LLM failure categories. Providers wrap every error with exactly one of
// these so callers can apply the right recovery policy: transient errors may
// be retried once with backoff, the other two never are.
var (
	// ErrTransient covers rate limits, timeouts and 5xx responses.
	ErrTransient = errors.New("transient llm error")
	// ErrInvalidOutput covers responses that violate the requested contract.
	ErrInvalidOutput = errors.New("invalid llm output")
	// ErrRefusal covers explicit model refusals.
	ErrRefusal = errors.New("llm refusal")
)

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// NewLLMProvider creates an LLM provider based on configuration.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	for _, provider := range cfg.Providers {
		switch provider.Type {
		case "openai":
			return NewOpenAIProvider(provider), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}

	return nil, fmt.Errorf("no valid LLM providers found")
}

// OpenAIProvider implements LLMProvider against the OpenAI HTTP API.
type OpenAIProvider struct {
	config    config.LLMProvider
	models    map[string]ModelInfo
	rawModels map[string]config.LLMModel
	client    *http.Client
	retries   int
	backoff   time.Duration
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	provider := &OpenAIProvider{
		config:    cfg,
		models:    make(map[string]ModelInfo),
		rawModels: cfg.Models,
		client:    &http.Client{Timeout: timeout},
		retries:   retries,
		backoff:   500 * time.Millisecond,
	}

	for key, model := range cfg.Models {
		provider.models[key] = ModelInfo{
			Name:            model.Name,
			Provider:        "openai",
			MaxTokens:       model.MaxTokens,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
		}
	}

	return provider
}

func (p *OpenAIProvider) apiKey() string {
	if p.config.APIKey != "" {
		return p.config.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (p *OpenAIProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.openai.com/v1"
}

// Generate generates text using OpenAI.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	resp, _, _, err := p.GenerateWithTokens(ctx, prompt, model, options)
	return resp, err
}

// GenerateWithTokens generates text and returns token usage. Transient
// failures (rate limits, 5xx, network errors) are retried up to the
// configured retry budget with exponential backoff; contract violations and
// refusals are returned immediately.
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("OpenAI API key not configured")
	}

	m, ok := p.rawModels[model]
	if !ok {
		return "", 0, 0, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := p.doJSON(ctx, "/chat/completions", body, &out); err != nil {
		return "", 0, 0, err
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices: %w", ErrInvalidOutput)
	}
	choice := out.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == "content_filter" {
		return "", 0, 0, fmt.Errorf("model declined: %w", ErrRefusal)
	}

	return choice.Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// Embed generates vector embeddings for the provided inputs.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, nil
	}
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	apiModel := model
	if m, ok := p.rawModels[model]; ok {
		if m.APIName != "" {
			apiModel = m.APIName
		} else {
			apiModel = m.Name
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": apiModel,
		"input": input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := p.doJSON(ctx, "/embeddings", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(input) {
		return nil, fmt.Errorf("embedding count %d != input count %d: %w", len(out.Data), len(input), ErrInvalidOutput)
	}

	vecs := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding index %d out of range: %w", d.Index, ErrInvalidOutput)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// doJSON posts body to path and decodes the response, retrying transient
// failures with exponential backoff.
func (p *OpenAIProvider) doJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	var lastErr error
	tries := p.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+path, bytes.NewBuffer(body))
		if err != nil {
			return fmt.Errorf("request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey())

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = classifyNetErr(err)
		} else {
			lastErr = func() error {
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
						return fmt.Errorf("decode: %w", ErrInvalidOutput)
					}
					return nil
				}
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return fmt.Errorf("openai status %d: %s: %w", resp.StatusCode, string(b), ErrTransient)
				}
				return fmt.Errorf("openai status %d: %s", resp.StatusCode, string(b))
			}()
			if lastErr == nil {
				return nil
			}
		}

		if !IsTransient(lastErr) || attempt == tries-1 {
			return lastErr
		}
		select {
		case <-time.After(p.backoff * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("network: %v: %w", err, ErrTransient)
	}
	return fmt.Errorf("do: %w", err)
}

// GetAvailableModels returns available models.
func (p *OpenAIProvider) GetAvailableModels() []string {
	var models []string
	for name := range p.models {
		models = append(models, name)
	}
	return models
}

// GetModelInfo returns information about a specific model.
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}

	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}
