// Package provider implements the multi-backend selection-and-fallback
// router and the generation backend clients it routes between.
package provider

import "context"

// Speed tags a backend's typical latency class.
type Speed int

const (
	SpeedSlow Speed = iota
	SpeedMedium
	SpeedFast
)

// Quality tags a backend's typical output quality class.
type Quality int

const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
)

// CostPer1K is the average price per 1000 tokens in USD.
type CostPer1K struct {
	Input  float64
	Output float64
}

// Average returns the mean of input and output cost.
func (c CostPer1K) Average() float64 {
	return (c.Input + c.Output) / 2.0
}

// Capabilities describes what a backend can handle. Scoring reads these.
type Capabilities struct {
	MaxContextTokens int
	SupportsVision   bool
	Speed            Speed
	Quality          Quality
	Cost             CostPer1K
}

// Message is one turn of conversation content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AttachedFile is project content attached to a request.
type AttachedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Request is a bounded text-generation request.
type Request struct {
	// Model names a backend-specific model; empty means the backend default.
	Model       string
	System      string
	Messages    []Message
	Files       []AttachedFile
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption when the backend provides it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a completed generation.
type Response struct {
	Content  string
	Provider string
	Model    string
	Usage    Usage
}

// Service is one configured generation backend.
type Service interface {
	Name() string
	Capabilities() Capabilities
	DefaultModel() string
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream emits incremental content deltas. Implementations
	// that cannot stream natively return SupportsStreaming() == false and
	// the pipeline chunks the bulk response instead.
	GenerateStream(ctx context.Context, req *Request) (<-chan string, <-chan error)
	SupportsStreaming() bool
}
