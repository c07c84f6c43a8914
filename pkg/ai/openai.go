package ai

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/darkhound/darkhound/pkg/config"
)

const (
	openaiDefaultURL   = "https://api.openai.com/v1"
	openaiDefaultModel = "gpt-4o"
)

// openaiDriver speaks the Chat Completions streaming protocol, which a
// number of self-hosted gateways also expose; BaseURL points it at any
// of them.
type openaiDriver struct {
	baseDriver
}

func newOpenAIDriver(cfg config.AIConfig, hc *http.Client) *openaiDriver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openaiDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	return &openaiDriver{baseDriver{cfg: cfg, http: hc}}
}

func (d *openaiDriver) Name() string { return "openai" }

type openaiStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (d *openaiDriver) StreamReport(ctx context.Context, hctx *Context) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(map[string]any{
			"model":  d.cfg.Model,
			"stream": true,
			"messages": []map[string]string{
				{"role": "user", "content": buildPrompt(hctx)},
			},
		})
		if err != nil {
			errs <- err
			return
		}

		stream, err := d.postJSON(ctx, d.cfg.BaseURL+"/chat/completions", map[string]string{
			"Authorization": "Bearer " + d.cfg.APIKey,
		}, body)
		if err != nil {
			errs <- err
			return
		}
		defer stream.Close()

		err = scanLines(stream, func(line string) (bool, error) {
			data, ok := sseData(line)
			if !ok {
				return false, nil
			}
			if data == "[DONE]" {
				return true, nil
			}
			var ev openaiStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false, nil
			}
			if len(ev.Choices) == 0 {
				return false, nil
			}
			if text := ev.Choices[0].Delta.Content; text != "" {
				return false, send(ctx, chunks, Chunk{Text: text})
			}
			return false, nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
