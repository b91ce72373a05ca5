package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"botforge/internal/logging"
)

// OpenAIService implements Service against the chat/completions wire
// format. The same client backs OpenAI, OpenRouter, and DeepSeek; only the
// name, base URL, default model, and capability profile differ.
type OpenAIService struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	caps       Capabilities
	httpClient *http.Client
}

// OpenAIConfig holds configuration for an OpenAI-compatible backend.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Caps    Capabilities
}

// DefaultOpenAIConfig returns defaults for the OpenAI API proper.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		Name:    "openai",
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
		Timeout: 120 * time.Second,
		Caps: Capabilities{
			MaxContextTokens: 128_000,
			SupportsVision:   true,
			Speed:            SpeedMedium,
			Quality:          QualityHigh,
			Cost:             CostPer1K{Input: 0.0025, Output: 0.010},
		},
	}
}

// DefaultOpenRouterConfig returns defaults for the OpenRouter aggregator.
func DefaultOpenRouterConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		Name:    "openrouter",
		APIKey:  apiKey,
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "anthropic/claude-sonnet-4",
		Timeout: 120 * time.Second,
		Caps: Capabilities{
			MaxContextTokens: 200_000,
			SupportsVision:   true,
			Speed:            SpeedMedium,
			Quality:          QualityMedium,
			Cost:             CostPer1K{Input: 0.002, Output: 0.008},
		},
	}
}

// DefaultDeepSeekConfig returns defaults for the DeepSeek API.
func DefaultDeepSeekConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		Name:    "deepseek",
		APIKey:  apiKey,
		BaseURL: "https://api.deepseek.com/v1",
		Model:   "deepseek-chat",
		Timeout: 120 * time.Second,
		Caps: Capabilities{
			MaxContextTokens: 64_000,
			SupportsVision:   false,
			Speed:            SpeedFast,
			Quality:          QualityMedium,
			Cost:             CostPer1K{Input: 0.00027, Output: 0.0011},
		},
	}
}

// NewOpenAIService creates a backend from config.
func NewOpenAIService(config OpenAIConfig) *OpenAIService {
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	return &OpenAIService{
		name:    config.Name,
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		caps:    config.Caps,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

func (s *OpenAIService) Name() string { return s.name }

func (s *OpenAIService) DefaultModel() string { return s.model }

func (s *OpenAIService) SupportsStreaming() bool { return true }

func (s *OpenAIService) Capabilities() Capabilities { return s.caps }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (s *OpenAIService) buildRequest(req *Request, stream bool) openAIRequest {
	model := req.Model
	if model == "" {
		model = s.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	return openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// Generate sends a request and returns the completed response.
func (s *OpenAIService) Generate(ctx context.Context, req *Request) (*Response, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	body := s.buildRequest(req, false)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(data))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("API error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	logging.Provider("[%s] completed in %v model=%s", s.name, time.Since(startTime), body.Model)

	return &Response{
		Content:  strings.TrimSpace(apiResp.Choices[0].Message.Content),
		Provider: s.name,
		Model:    apiResp.Model,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
		},
	}, nil
}

// GenerateStream sends a request with streaming enabled and emits content
// deltas as they arrive.
func (s *OpenAIService) GenerateStream(ctx context.Context, req *Request) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		if s.apiKey == "" {
			errorChan <- fmt.Errorf("API key not configured")
			return
		}

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.httpClient.Timeout)
			defer cancel()
		}

		body := s.buildRequest(req, true)
		jsonData, err := json.Marshal(body)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := s.httpClient.Do(httpReq)
		if err != nil {
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			errorChan <- fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(data))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case contentChan <- chunk.Choices[0].Delta.Content:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errorChan <- fmt.Errorf("stream error: %w", err)
		}
	}()

	return contentChan, errorChan
}
