package hunt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/sshconn"
)

// StepExecutor is the slice of the SSH client the runner needs. The
// session runtime passes the session's sshconn.Client; tests pass fakes.
type StepExecutor interface {
	Exec(ctx context.Context, req sshconn.ExecRequest) (*sshconn.ExecResult, error)
}

// Reporter is the AI pipeline boundary. Implementations stream the
// executive report, persist findings, and return how many were created
// or updated. A Reporter must emit its own ai.* events.
type Reporter interface {
	ProcessHunt(ctx context.Context, h *models.Hunt, mod *Module, obs []models.Observation) (findings int, reportText string, err error)
}

// RunParams carries everything one hunt execution needs.
type RunParams struct {
	Hunt     *models.Hunt
	Module   *Module
	Executor StepExecutor

	// Sudo is resolved once per hunt from the asset's policy and reused
	// for every requires_sudo step. HasSudo false means requires_sudo
	// steps are recorded as skipped:no_sudo and the hunt continues.
	Sudo    sshconn.SudoSpec
	HasSudo bool

	// Reporter is nil when run_ai is false or no provider is configured.
	Reporter Reporter

	// OnObservation is the persistence hook, called after each
	// observation is captured (before its events are published is not
	// guaranteed). May be nil.
	OnObservation func(models.Observation)
}

// RunResult is the terminal outcome of one hunt.
type RunResult struct {
	Status        models.HuntStatus
	Observations  []models.Observation
	FindingsCount int
	ReportText    string
	Error         string
}

// Runner executes hunts step by step on the session owner's goroutine.
type Runner struct {
	bus            *events.Bus
	defaultTimeout time.Duration
}

// NewRunner creates a runner publishing on the given bus.
func NewRunner(bus *events.Bus, defaultTimeout time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Runner{bus: bus, defaultTimeout: defaultTimeout}
}

// Run executes the module's steps in order. Per-step failures (non-zero
// exit, timeout, skipped sudo) are recorded in observations and do not
// stop the hunt; only channel death, cancellation, or session teardown
// are fatal. The OS compatibility check happens before Run; by the time
// we are here the hunt has been admitted.
func (r *Runner) Run(ctx context.Context, p RunParams) *RunResult {
	h, mod := p.Hunt, p.Module
	res := &RunResult{Status: models.HuntRunning}

	r.emitHunt(events.TypeHuntStarted, h, events.HuntStartedPayload{
		HuntID:    h.ID,
		SessionID: h.SessionID,
		AssetID:   h.AssetID,
		ModuleID:  mod.ID,
		RunAI:     h.RunAI,
		Steps:     len(mod.Steps),
	})

	fatal := ""
	cancelled := false

	for i, step := range mod.Steps {
		if err := ctx.Err(); err != nil {
			cancelled = true
			break
		}

		r.emitHunt(events.TypeHuntStepStarted, h, events.StepPayload{
			HuntID:      h.ID,
			StepID:      step.ID,
			Index:       i,
			Description: step.Description,
		})

		obs, wasCancelled, fatalErr := r.runStep(ctx, p, step)
		res.Observations = append(res.Observations, obs)
		if p.OnObservation != nil {
			p.OnObservation(obs)
		}

		r.emitHunt(events.TypeHuntObservation, h, toObservationPayload(obs))
		r.emitHunt(events.TypeHuntStepCompleted, h, events.StepPayload{
			HuntID:   h.ID,
			StepID:   step.ID,
			Index:    i,
			ExitCode: obs.ExitCode,
		})

		if wasCancelled {
			cancelled = true
			break
		}
		if fatalErr != nil {
			fatal = fatalErr.Error()
			break
		}
	}

	switch {
	case cancelled:
		res.Status = models.HuntCancelled
		r.emitHunt(events.TypeHuntCancelled, h, events.HuntFinishedPayload{
			HuntID:    h.ID,
			SessionID: h.SessionID,
			ModuleID:  mod.ID,
			Status:    string(models.HuntCancelled),
		})
		return res

	case fatal != "":
		res.Status = models.HuntFailed
		res.Error = fatal
		r.emitHunt(events.TypeHuntFailed, h, events.HuntFinishedPayload{
			HuntID:    h.ID,
			SessionID: h.SessionID,
			ModuleID:  mod.ID,
			Status:    string(models.HuntFailed),
			Error:     fatal,
		})
		return res
	}

	// All steps done. AI runs before the terminal hunt event so chunk
	// ordering is: last step_completed < ai.* < hunt.completed.
	aiFailed := false
	if h.RunAI && p.Reporter != nil {
		findings, report, err := p.Reporter.ProcessHunt(ctx, h, mod, res.Observations)
		res.FindingsCount = findings
		res.ReportText = report
		if err != nil {
			aiFailed = true
			slog.Warn("AI pipeline failed for hunt",
				"hunt_id", h.ID, "error", err)
		}
	}

	anyStepFailed := false
	for _, o := range res.Observations {
		if o.Failed() {
			anyStepFailed = true
			break
		}
	}

	if aiFailed && anyStepFailed {
		res.Status = models.HuntFailed
		res.Error = "ai pipeline failed after step failures"
		r.emitHunt(events.TypeHuntFailed, h, events.HuntFinishedPayload{
			HuntID:        h.ID,
			SessionID:     h.SessionID,
			ModuleID:      mod.ID,
			Status:        string(models.HuntFailed),
			FindingsCount: res.FindingsCount,
			Error:         res.Error,
		})
		return res
	}

	res.Status = models.HuntCompleted
	r.emitHunt(events.TypeHuntCompleted, h, events.HuntFinishedPayload{
		HuntID:        h.ID,
		SessionID:     h.SessionID,
		ModuleID:      mod.ID,
		Status:        string(models.HuntCompleted),
		FindingsCount: res.FindingsCount,
	})
	return res
}

// runStep executes one step and converts the result to an observation.
// The bool reports cancellation; the error is non-nil only for fatal
// (transport) failures.
func (r *Runner) runStep(ctx context.Context, p RunParams, step Step) (models.Observation, bool, error) {
	h := p.Hunt
	obs := models.Observation{
		HuntID:  h.ID,
		StepID:  step.ID,
		Command: step.Command,
	}

	if verdict := ClassifyCommand(step.Command); verdict == VerdictBlocked {
		obs.ExitCode = "skipped:blocked"
		obs.Stderr = "command blocked by safety policy"
		r.bus.Emit(events.NewSession(events.TypeSystemError, h.SessionID, events.SystemErrorPayload{
			SessionID: h.SessionID,
			Severity:  "error",
			Source:    "hunt",
			Message:   fmt.Sprintf("step %s blocked by safety policy", step.ID),
		}))
		return obs, false, nil
	}

	sudo := sshconn.SudoSpec{}
	if step.RequiresSudo {
		if !p.HasSudo {
			obs.ExitCode = sshconn.ExitSkippedNoSudo
			return obs, false, nil
		}
		sudo = p.Sudo
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	result, err := p.Executor.Exec(ctx, sshconn.ExecRequest{
		CommandID: h.ID + ":" + step.ID,
		Command:   step.Command,
		Timeout:   timeout,
		Sudo:      sudo,
	})

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			obs.ExitCode = sshconn.ExitSignal
			if result != nil {
				fillObservation(&obs, result)
				obs.ExitCode = sshconn.ExitSignal
			}
			return obs, true, nil
		}
		// Channel death is fatal for the hunt.
		obs.ExitCode = sshconn.ExitSignal
		obs.Stderr = err.Error()
		return obs, false, err
	}

	fillObservation(&obs, result)
	return obs, false, nil
}

func fillObservation(obs *models.Observation, res *sshconn.ExecResult) {
	obs.Stdout = string(res.Stdout)
	obs.Stderr = string(res.Stderr)
	obs.StdoutTruncated = res.StdoutTruncated
	obs.StderrTruncated = res.StderrTruncated
	if res.ExitCode != "" {
		obs.ExitCode = res.ExitCode
	}
	obs.WallMS = res.Duration.Milliseconds()
}

func (r *Runner) emitHunt(t events.Type, h *models.Hunt, payload any) {
	r.bus.Emit(events.Event{
		Type:      t,
		SessionID: h.SessionID,
		AssetID:   h.AssetID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func toObservationPayload(o models.Observation) events.ObservationPayload {
	return events.ObservationPayload{
		HuntID:          o.HuntID,
		StepID:          o.StepID,
		Command:         o.Command,
		Stdout:          o.Stdout,
		Stderr:          o.Stderr,
		ExitCode:        o.ExitCode,
		WallMS:          o.WallMS,
		StdoutTruncated: o.StdoutTruncated,
		StderrTruncated: o.StderrTruncated,
	}
}
