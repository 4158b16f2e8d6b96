package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/shared"
)

var (
	// ErrAlreadySubmitted is returned by every Execute call after the first
	// one that got past PIN validation.
	ErrAlreadySubmitted = errors.New("execution already submitted")

	// ErrInvalidPIN means the PIN is not exactly four digits. Nothing is run
	// or reported, so the user can try again.
	ErrInvalidPIN = errors.New("PIN must be exactly 4 digits")

	// ErrNotExecutable means the message is not an execution marker.
	ErrNotExecutable = errors.New("message does not await execution")
)

// Job is one confirmed action ready to run.
type Job struct {
	RoomID  string            `json:"roomId"`
	AgentID string            `json:"agentId"`
	Action  domain.ActionType `json:"action"`
	Params  domain.Metadata   `json:"params"`
	Secret  bool              `json:"-"`
}

// JobFromMessage builds a job from an engine promptPin/dispatch marker.
func JobFromMessage(msg *domain.Message) (Job, error) {
	if !msg.IsEngineAuthored() || !msg.Metadata.Action.Valid() ||
		(!msg.Metadata.PromptPin && !msg.Metadata.Dispatch) {
		return Job{}, ErrNotExecutable
	}
	params := msg.Metadata
	params.PromptPin = false
	params.Dispatch = false
	params.ExpiresAt = nil
	return Job{
		RoomID:  msg.RoomID,
		AgentID: msg.AgentID,
		Action:  msg.Metadata.Action,
		Params:  params,
		Secret:  msg.Metadata.PromptPin,
	}, nil
}

// JobFromPending builds a job from a pending action awaiting execution.
func JobFromPending(p *domain.PendingAction) (Job, error) {
	if p == nil || p.Stage != domain.StageAwaitingExecution {
		return Job{}, ErrNotExecutable
	}
	return JobFromMessage(&domain.Message{
		ID:       p.MessageID,
		RoomID:   p.RoomID,
		AgentID:  p.AgentID,
		Source:   domain.SourceAgent,
		Metadata: p.Parameters,
	})
}

// Vendor performs the side effect and returns the success fields.
type Vendor interface {
	Execute(ctx context.Context, job Job, pin string) (domain.Metadata, error)
}

// ReportSink delivers the terminal report to the engine.
type ReportSink interface {
	Submit(ctx context.Context, report domain.Report) error
}

// Runner executes one job at most once and reports exactly one outcome.
// It is single-use: create one per confirmed prompt.
type Runner struct {
	vendor  Vendor
	sink    ReportSink
	retrier *Retrier
	logger  *slog.Logger
	started atomic.Bool
}

// NewRunner creates a runner.
func NewRunner(vendor Vendor, sink ReportSink, retrier *Retrier, logger *slog.Logger) *Runner {
	if retrier == nil {
		retrier = &Retrier{Policy: DefaultPolicy()}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{vendor: vendor, sink: sink, retrier: retrier, logger: logger}
}

// Submitted reports whether the runner has already run.
func (r *Runner) Submitted() bool { return r.started.Load() }

// Execute validates the PIN, runs the vendor call with retries and submits
// the single terminal report. The returned report is what was submitted.
func (r *Runner) Execute(ctx context.Context, job Job, pin string) (domain.Report, error) {
	if job.Secret && !shared.IsValidPIN(pin) {
		return domain.Report{}, ErrInvalidPIN
	}
	if !r.started.CompareAndSwap(false, true) {
		return domain.Report{}, ErrAlreadySubmitted
	}

	var result domain.Metadata
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = r.vendor.Execute(ctx, job, pin)
		return callErr
	})

	report := domain.Report{RoomID: job.RoomID, AgentID: job.AgentID, Source: job.Action}
	if err != nil {
		r.logger.Error("execution failed", "room_id", job.RoomID, "action", job.Action, "error", shared.Redact(err.Error()))
		report.Metadata = domain.Metadata{Action: job.Action, Error: shared.Redact(err.Error())}
	} else {
		result.Action = job.Action
		result.Error = ""
		report.Metadata = result
	}

	if serr := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.sink.Submit(ctx, report)
	}); serr != nil {
		return report, fmt.Errorf("submit report: %w", serr)
	}
	return report, err
}
