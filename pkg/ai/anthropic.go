package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/darkhound/darkhound/pkg/config"
)

const (
	anthropicDefaultURL   = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
	anthropicDefaultModel = "claude-sonnet-4-20250514"
)

type anthropicDriver struct {
	baseDriver
}

func newAnthropicDriver(cfg config.AIConfig, hc *http.Client) *anthropicDriver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	return &anthropicDriver{baseDriver{cfg: cfg, http: hc}}
}

func (d *anthropicDriver) Name() string { return "anthropic" }

// anthropicEvent is the subset of the Messages API stream we consume.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *anthropicDriver) StreamReport(ctx context.Context, hctx *Context) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(map[string]any{
			"model":      d.cfg.Model,
			"max_tokens": 4096,
			"stream":     true,
			"messages": []map[string]string{
				{"role": "user", "content": buildPrompt(hctx)},
			},
		})
		if err != nil {
			errs <- err
			return
		}

		stream, err := d.postJSON(ctx, d.cfg.BaseURL+"/v1/messages", map[string]string{
			"x-api-key":         d.cfg.APIKey,
			"anthropic-version": anthropicVersion,
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
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false, nil // keepalive or unknown frame
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					return false, send(ctx, chunks, Chunk{Text: ev.Delta.Text})
				}
			case "message_stop":
				return true, nil
			case "error":
				return false, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return false, nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
