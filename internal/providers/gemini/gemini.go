// Package gemini implements providers.Provider for Google Gemini using the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/edge-proxy/internal/providers"
)

const providerName = "gemini"

type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for local mocks).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Gemini Provider. Returns an error when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	cfg := &genai.ClientConfig{
		APIKey:     p.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providers.Timeout},
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	contents, cfg := buildContentsAndConfig(req)

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := ""
	out := ""
	var inTok, outTok int
	if resp != nil {
		id = resp.ResponseID
		out = resp.Text()
		if resp.UsageMetadata != nil {
			inTok = int(resp.UsageMetadata.PromptTokenCount)
			outTok = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	if id == "" {
		id = req.RequestID
	}

	return &providers.Response{
		ID:      id,
		Model:   req.Model,
		Content: out,
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature != nil || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			}
		}
		if req.Temperature != nil {
			cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	return contents, cfg
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
