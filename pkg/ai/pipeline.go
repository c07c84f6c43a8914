package ai

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/models"
)

const defaultIdleTimeout = 60 * time.Second

// Sink is the persistence boundary for pipeline output. The intel
// store satisfies it; tests use fakes.
type Sink interface {
	UpsertFinding(ctx context.Context, f *models.Finding) (created bool, err error)
	SaveAIReport(ctx context.Context, r *models.AIReport) error
}

// Masker scrubs secret material from observation output before it is
// serialized into the provider context. *masking.Masker satisfies it.
type Masker interface {
	MaskObservations(obs []models.Observation) []models.Observation
}

// Pipeline drives one provider for completed hunts. It satisfies
// hunt.Reporter.
type Pipeline struct {
	driver Driver
	bus    *events.Bus
	sink   Sink
	masker Masker
	cfg    config.AIConfig
}

// NewPipeline wires a pipeline; returns nil when no driver is
// configured so callers can pass the result straight to the runner.
func NewPipeline(driver Driver, bus *events.Bus, sink Sink, cfg config.AIConfig) *Pipeline {
	if driver == nil {
		return nil
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Pipeline{driver: driver, bus: bus, sink: sink, cfg: cfg}
}

// UseMasker installs a masker applied to observation output before it
// reaches the provider. The persisted record keeps the raw output.
func (p *Pipeline) UseMasker(m Masker) {
	p.masker = m
}

// ProcessHunt streams the report, persists it, extracts and upserts
// findings, and emits the ai.* event sequence. On a mid-stream failure
// the partial text is persisted and returned alongside the error;
// findings are still extracted from whatever arrived.
func (p *Pipeline) ProcessHunt(ctx context.Context, h *models.Hunt, mod *hunt.Module, obs []models.Observation) (int, string, error) {
	if p.masker != nil {
		obs = p.masker.MaskObservations(obs)
	}
	hctx := BuildContext(h, mod, obs, p.cfg.StepBudget, p.cfg.ContextBudget)

	p.emit(h, events.TypeAIReasoningStarted, events.AIReasoningStartedPayload{
		HuntID:         h.ID,
		SessionID:      h.SessionID,
		Provider:       p.driver.Name(),
		ContextSummary: hctx.Summary(),
	})

	text, emitted, streamErr := p.streamWithRetry(ctx, h, hctx)

	if streamErr != nil {
		p.emit(h, events.TypeAIError, events.AIErrorPayload{
			HuntID:    h.ID,
			Message:   streamErr.Error(),
			Retryable: false,
		})
		count := 0
		if emitted && text != "" {
			p.saveReport(ctx, h, text, true)
			count = p.persistFindings(ctx, h, mod, text, obs)
		}
		return count, text, streamErr
	}

	p.emit(h, events.TypeAIReasoningCompleted, events.AIReasoningCompletedPayload{
		HuntID:  h.ID,
		Summary: p.driver.SummarizeReport(text),
	})

	p.saveReport(ctx, h, text, false)
	count := p.persistFindings(ctx, h, mod, text, obs)
	return count, text, nil
}

// streamWithRetry runs the stream, retrying through the configured
// backoffs only while nothing has been emitted yet. Once a chunk went
// out the attempt is final: subscribers already saw partial reasoning.
func (p *Pipeline) streamWithRetry(ctx context.Context, h *models.Hunt, hctx *Context) (string, bool, error) {
	for attempt := 0; ; attempt++ {
		text, emitted, err := p.streamOnce(ctx, h, hctx)
		if err == nil {
			return text, emitted, nil
		}
		if emitted || attempt >= len(p.cfg.RetryBackoffs) || ctx.Err() != nil {
			return text, emitted, err
		}
		backoff := p.cfg.RetryBackoffs[attempt]
		slog.Warn("AI stream failed before first chunk, retrying",
			"hunt_id", h.ID, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (p *Pipeline) streamOnce(ctx context.Context, h *models.Hunt, hctx *Context) (string, bool, error) {
	chunks, errs := p.driver.StreamReport(ctx, hctx)

	tracker := newStateTracker()
	var text strings.Builder
	emitted := false

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				// Producer is done. Drivers close errs before chunks on
				// a clean stream, so errs may already be drained; only
				// receive the verdict when it is still pending.
				if errs == nil {
					return text.String(), emitted, nil
				}
				if err := <-errs; err != nil {
					return text.String(), emitted, err
				}
				return text.String(), emitted, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.cfg.IdleTimeout)

			text.WriteString(c.Text)
			emitted = true
			p.emit(h, events.TypeAIReasoningChunk, events.AIReasoningChunkPayload{
				HuntID: h.ID,
				Chunk:  c.Text,
				State:  tracker.Next(c),
			})

		case err := <-errs:
			if err == nil {
				errs = nil // closed before chunks; stop selecting on it
				continue
			}
			// Chunks produced before the error are part of the partial.
			for {
				select {
				case c, ok := <-chunks:
					if !ok {
						return text.String(), emitted, err
					}
					text.WriteString(c.Text)
					emitted = true
					p.emit(h, events.TypeAIReasoningChunk, events.AIReasoningChunkPayload{
						HuntID: h.ID,
						Chunk:  c.Text,
						State:  tracker.Next(c),
					})
				default:
					return text.String(), emitted, err
				}
			}

		case <-idle.C:
			return text.String(), emitted, context.DeadlineExceeded

		case <-ctx.Done():
			return text.String(), emitted, ctx.Err()
		}
	}
}

func (p *Pipeline) persistFindings(ctx context.Context, h *models.Hunt, mod *hunt.Module, text string, obs []models.Observation) int {
	parsed := p.driver.ExtractFindings(text, obs)
	floor := floorFor(mod.SeverityHint)

	count := 0
	for _, pf := range parsed {
		f := &models.Finding{
			AssetID:          h.AssetID,
			SessionID:        h.SessionID,
			HuntID:           h.ID,
			Kind:             models.KindDetection,
			Title:            pf.Title,
			Description:      pf.Description,
			Severity:         models.MaxSeverity(pf.Severity, floor),
			Confidence:       pf.Confidence,
			Status:           models.FindingOpen,
			PrimaryTechnique: pf.PrimaryTechnique,
			Tags:             pf.Tags,
			Remediation:      pf.Remediation,
		}
		created, err := p.sink.UpsertFinding(ctx, f)
		if err != nil {
			slog.Error("Failed to persist finding", "hunt_id", h.ID, "title", f.Title, "error", err)
			continue
		}
		count++
		p.emit(h, events.TypeAIFindingGenerated, events.FindingGeneratedPayload{
			FindingID:     f.ID,
			AssetID:       f.AssetID,
			HuntID:        h.ID,
			Kind:          string(f.Kind),
			Title:         f.Title,
			Severity:      string(f.Severity),
			Confidence:    f.Confidence,
			New:           created,
			SightingCount: f.SightingCount,
		})
	}
	return count
}

func (p *Pipeline) saveReport(ctx context.Context, h *models.Hunt, text string, partial bool) {
	r := &models.AIReport{
		AssetID:   h.AssetID,
		SessionID: h.SessionID,
		HuntID:    h.ID,
		Provider:  p.driver.Name(),
		Text:      text,
		Summary:   p.driver.SummarizeReport(text),
		Partial:   partial,
	}
	if err := p.sink.SaveAIReport(ctx, r); err != nil {
		slog.Error("Failed to persist AI report", "hunt_id", h.ID, "error", err)
	}
}

func (p *Pipeline) emit(h *models.Hunt, t events.Type, payload any) {
	p.bus.Emit(events.Event{
		Type:      t,
		SessionID: h.SessionID,
		AssetID:   h.AssetID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
