package ai

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/models"
)

// baseDriver carries the pieces all three providers share: config, the
// HTTP client, and the pure text handling of the Driver contract.
type baseDriver struct {
	cfg  config.AIConfig
	http *http.Client
}

func (d *baseDriver) ExtractFindings(report string, _ []models.Observation) []ParsedFinding {
	return ExtractFindings(report, models.SeverityInfo)
}

func (d *baseDriver) SummarizeReport(report string) string {
	return Summarize(report)
}

// postJSON issues the streaming request and hands back the open body.
// Non-2xx responses are drained for their error text.
func (d *baseDriver) postJSON(ctx context.Context, url string, headers map[string]string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp.Body, nil
}

// scanLines walks a streaming body line by line. The handler returns
// done to end the stream cleanly. Lines can be large; the scanner
// buffer allows 1 MiB.
func scanLines(body io.Reader, handler func(line string) (done bool, err error)) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		done, err := handler(sc.Text())
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return sc.Err()
}

// sseData strips the SSE framing, returning the data payload and
// whether the line carried one.
func sseData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

// send delivers a chunk unless the context is gone first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) error {
	select {
	case out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
