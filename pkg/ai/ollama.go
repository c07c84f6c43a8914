package ai

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/darkhound/darkhound/pkg/config"
)

const (
	ollamaDefaultURL   = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1"
)

// ollamaDriver streams from a local Ollama daemon. No API key; the
// generate endpoint emits newline-delimited JSON rather than SSE.
type ollamaDriver struct {
	baseDriver
}

func newOllamaDriver(cfg config.AIConfig, hc *http.Client) *ollamaDriver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	return &ollamaDriver{baseDriver{cfg: cfg, http: hc}}
}

func (d *ollamaDriver) Name() string { return "ollama" }

type ollamaStreamEvent struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (d *ollamaDriver) StreamReport(ctx context.Context, hctx *Context) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(map[string]any{
			"model":  d.cfg.Model,
			"prompt": buildPrompt(hctx),
			"stream": true,
		})
		if err != nil {
			errs <- err
			return
		}

		stream, err := d.postJSON(ctx, d.cfg.BaseURL+"/api/generate", nil, body)
		if err != nil {
			errs <- err
			return
		}
		defer stream.Close()

		err = scanLines(stream, func(line string) (bool, error) {
			if line == "" {
				return false, nil
			}
			var ev ollamaStreamEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				return false, nil
			}
			if ev.Response != "" {
				if err := send(ctx, chunks, Chunk{Text: ev.Response}); err != nil {
					return false, err
				}
			}
			return ev.Done, nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
