package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"botforge/internal/logging"
)

// GeminiService implements Service for Google Gemini via the genai SDK.
// The SDK call is synchronous, so streaming is reported unsupported and the
// pipeline falls back to chunked re-emission.
type GeminiService struct {
	client *genai.Client
	model  string
}

// GeminiConfig holds configuration for the Gemini backend.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// NewGeminiService creates a Gemini backend.
func NewGeminiService(ctx context.Context, config GeminiConfig) (*GeminiService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	if config.Model == "" {
		config.Model = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiService{client: client, model: config.Model}, nil
}

func (s *GeminiService) Name() string { return "gemini" }

func (s *GeminiService) DefaultModel() string { return s.model }

func (s *GeminiService) SupportsStreaming() bool { return false }

func (s *GeminiService) Capabilities() Capabilities {
	return Capabilities{
		MaxContextTokens: 1_000_000,
		SupportsVision:   true,
		Speed:            SpeedFast,
		Quality:          QualityHigh,
		Cost:             CostPer1K{Input: 0.00125, Output: 0.005},
	}
}

// Generate sends a request and returns the completed response.
func (s *GeminiService) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = s.model
	}

	var prompt strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			prompt.WriteString("\n\n")
		}
		prompt.WriteString(m.Content)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}

	startTime := time.Now()
	result, err := s.client.Models.GenerateContent(ctx, model,
		genai.Text(prompt.String()), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("no completion returned")
	}

	logging.Provider("[gemini] completed in %v model=%s", time.Since(startTime), model)

	resp := &Response{
		Content:  strings.TrimSpace(text),
		Provider: s.Name(),
		Model:    model,
	}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

// GenerateStream is unsupported; callers should check SupportsStreaming.
func (s *GeminiService) GenerateStream(ctx context.Context, req *Request) (<-chan string, <-chan error) {
	contentChan := make(chan string)
	errorChan := make(chan error, 1)
	errorChan <- fmt.Errorf("gemini backend does not stream")
	close(contentChan)
	close(errorChan)
	return contentChan, errorChan
}
