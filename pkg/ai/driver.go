// Package ai turns completed hunt observations into streamed executive
// reports and structured findings, using whichever LLM provider the
// deployment configured.
package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/models"
)

// Reasoning states carried on ai.reasoning_chunk. Providers that report
// phases set them on the chunk; otherwise the pipeline infers them.
const (
	StateAnalyzing  = "analyzing"
	StateConcluding = "concluding"
	StateGenerating = "generating"
)

// Chunk is one streamed piece of the report. State is empty when the
// provider does not report phases.
type Chunk struct {
	Text  string
	State string
}

// ParsedFinding is a driver-extracted finding before persistence
// assigns ids and fingerprints.
type ParsedFinding struct {
	Title            string
	Description      string
	Severity         models.Severity
	Confidence       float64
	PrimaryTechnique string
	Tags             []string
	Remediation      *models.Remediation
}

// Driver is the provider boundary. StreamReport follows the channel
// idiom: chunks until close, at most one error. ExtractFindings and
// SummarizeReport are pure over the final text.
type Driver interface {
	Name() string
	StreamReport(ctx context.Context, hctx *Context) (<-chan Chunk, <-chan error)
	ExtractFindings(reportText string, obs []models.Observation) []ParsedFinding
	SummarizeReport(reportText string) string
}

// NewDriver picks the provider implementation from configuration. An
// empty provider disables the pipeline and returns nil, nil.
func NewDriver(cfg config.AIConfig) (Driver, error) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "anthropic":
		return newAnthropicDriver(cfg, httpClient), nil
	case "openai":
		return newOpenAIDriver(cfg, httpClient), nil
	case "ollama":
		return newOllamaDriver(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}
