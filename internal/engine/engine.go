// Package engine runs the pending-action confirmation engine: it serialises
// turns per room, applies the lock and identity guards, routes classified
// intents to the action machine and appends every response to the log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashureev/chatpact/internal/action"
	"github.com/ashureev/chatpact/internal/bus"
	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/gateway"
	"github.com/ashureev/chatpact/internal/identity"
	"github.com/ashureev/chatpact/internal/intent"
	"github.com/ashureev/chatpact/internal/pending"
	"github.com/ashureev/chatpact/internal/response"
	"github.com/ashureev/chatpact/internal/shared"
	"github.com/ashureev/chatpact/internal/store"
	"github.com/ashureev/chatpact/internal/telemetry"
)

// ErrInvalidTurn rejects turns without a room or agent.
var ErrInvalidTurn = errors.New("turn requires roomId and agentId")

const defaultReply = "I can create or show your wallet, approve tokens, stake, connect an external wallet, and check or reply to email. What would you like to do?"

// Fallback answers turns no intent matched.
type Fallback interface {
	Reply(ctx context.Context, turn domain.Turn) (string, error)
}

// Transcript receives every appended message.
type Transcript interface {
	Record(msg *domain.Message)
}

// Config holds engine tunables.
type Config struct {
	PendingTTL     time.Duration
	LookbackWindow time.Duration
	LookbackLimit  int
}

// Option customises an Engine.
type Option func(*Engine)

// WithBus publishes appended messages.
func WithBus(b *bus.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithFallback sets the conversational fallback for unmatched turns.
func WithFallback(f Fallback) Option { return func(e *Engine) { e.fallback = f } }

// WithTranscript records appended messages.
func WithTranscript(t Transcript) Option { return func(e *Engine) { e.transcript = t } }

// WithTelemetry sets the tracer and meter.
func WithTelemetry(p *telemetry.Provider) Option { return func(e *Engine) { e.telemetry = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithDetector overrides the default intent detector.
func WithDetector(d *intent.Detector) Option { return func(e *Engine) { e.detector = d } }

// Engine is safe for concurrent use; work for one room is strictly
// sequential.
type Engine struct {
	repo       store.Repository
	detector   *intent.Detector
	resolver   *pending.Resolver
	machine    *action.Machine
	info       *action.Informational
	gateway    *gateway.Gateway
	identity   *identity.Resolver
	compose    *response.Composer
	bus        *bus.Bus
	fallback   Fallback
	transcript Transcript
	telemetry  *telemetry.Provider
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time
	rooms      *roomLocks
}

// New wires the engine over a repository.
func New(repo store.Repository, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.detector == nil {
		e.detector = intent.NewDetector(nil)
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.Noop()
	}
	metrics, err := telemetry.NewMetrics(e.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	e.metrics = metrics

	registry := action.DefaultRegistry()
	e.compose = response.NewComposer(e.now)
	e.resolver = pending.NewResolver(repo, cfg.LookbackWindow, cfg.LookbackLimit)
	e.machine = action.NewMachine(registry, e.resolver, repo, e.compose, cfg.PendingTTL)
	e.info = action.NewInformational(repo, e.compose)
	e.identity = identity.NewResolver(repo)
	e.gateway, err = gateway.New(registry, e.resolver, repo, e.compose, e.logger)
	if err != nil {
		return nil, err
	}
	e.rooms = newRoomLocks(e.now)
	return e, nil
}

// Resolver exposes the pending-action resolver for read-only views.
func (e *Engine) Resolver() *pending.Resolver { return e.resolver }

// Registry exposes the handler registry.
func (e *Engine) Registry() *action.Registry { return e.machine.Registry() }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// SweepRooms evicts per-room locks idle for longer than idle.
func (e *Engine) SweepRooms(idle time.Duration) int {
	n := e.rooms.sweep(idle)
	if n > 0 {
		e.logger.Debug("evicted idle rooms", "count", n, "remaining", e.rooms.len())
	}
	return n
}

// guard loads the agent, applies the lock flag and resolves the owner. The
// returned error is a LockedResourceError or IdentityResolutionError.
func (e *Engine) guard(ctx context.Context, agentID, claimedUser string, checkLock bool) (string, error) {
	agent, owner, err := e.identity.ResolveOwner(ctx, agentID)
	if agent != nil && agent.Locked && checkLock {
		return "", &action.LockedResourceError{AgentID: agentID}
	}
	if err != nil {
		return "", &action.IdentityResolutionError{AgentID: agentID, Err: err}
	}
	if claimedUser != "" && claimedUser != owner {
		return "", &action.IdentityResolutionError{
			AgentID: agentID,
			Err:     fmt.Errorf("turn user %q is not the agent owner", claimedUser),
		}
	}
	return owner, nil
}

// HandleTurn processes one inbound chat turn and returns the appended
// response. User-facing failures return the response together with a typed
// error; the response is always in the log unless appending itself failed.
func (e *Engine) HandleTurn(ctx context.Context, turn domain.Turn) (*domain.Message, error) {
	if turn.RoomID == "" || turn.AgentID == "" {
		return nil, ErrInvalidTurn
	}
	if turn.Source == "" {
		turn.Source = domain.SourceUser
	}
	if domain.ActionType(turn.Source).Valid() {
		return e.HandleReport(ctx, domain.Report{
			RoomID:   turn.RoomID,
			AgentID:  turn.AgentID,
			Source:   domain.ActionType(turn.Source),
			Metadata: turn.Metadata,
		})
	}

	release := e.rooms.lock(turn.RoomID)
	defer release()

	start := e.now()
	ctx, span := telemetry.StartSpan(ctx, e.telemetry.Tracer, "engine.turn",
		telemetry.AttrRoomID.String(turn.RoomID),
		telemetry.AttrAgentID.String(turn.AgentID),
	)
	defer span.End()
	e.metrics.Turns.Add(ctx, 1)

	msg, err := e.handleTurn(ctx, turn, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.TurnDuration.Record(ctx, e.now().Sub(start).Seconds())
	return msg, err
}

func (e *Engine) handleTurn(ctx context.Context, turn domain.Turn, now time.Time) (*domain.Message, error) {
	scope := response.ScopeOf(turn)
	logger := e.logger.With("room_id", turn.RoomID, "agent_id", turn.AgentID, "trace_id", shared.TraceID(ctx))

	owner, guardErr := e.guard(ctx, turn.AgentID, turn.UserID, true)
	if err := e.enterRoom(ctx, turn.RoomID, turn.AgentID, guardErr == nil, logger); err != nil {
		return nil, err
	}
	if guardErr == nil {
		turn.UserID = owner
		scope.UserID = owner
	}

	var executing *domain.PendingAction
	if shared.LooksLikePIN(turn.Text) {
		live, err := e.resolver.FindAll(ctx, turn.RoomID, now)
		if err != nil {
			return nil, err
		}
		for _, p := range live {
			if p.Stage == domain.StageAwaitingExecution {
				executing = p
				break
			}
		}
	}

	inbound := &domain.Message{
		ID:        shared.NewID(),
		RoomID:    turn.RoomID,
		UserID:    turn.UserID,
		AgentID:   turn.AgentID,
		CreatedAt: now,
		Text:      shared.Redact(turn.Text),
		Source:    turn.Source,
		Metadata:  turn.Metadata,
	}
	if err := e.append(ctx, inbound); err != nil {
		return nil, err
	}

	if guardErr != nil {
		return e.reject(ctx, scope, guardErr, logger)
	}

	var (
		reply   *domain.Message
		turnErr error
		in      intent.Intent
	)
	if executing != nil {
		logger.Warn("PIN typed into chat; redacted", "action", executing.ActionType)
		reply = e.compose.Text(scope, "Please don't type your PIN in the chat. I removed it from the conversation. Use the secure PIN prompt instead.")
	} else {
		in = e.detector.Classify(turn.Text, turn.Metadata, turn.Source)
		reply, turnErr = e.route(ctx, turn, in, now)
	}

	if reply == nil {
		if turnErr == nil {
			turnErr = errors.New("no response produced")
		}
		logger.Error("turn failed", "intent", in.Sub, "error", turnErr)
		reply = e.compose.Text(scope, "Sorry, something went wrong on my side. Please try again.")
	} else if turnErr != nil {
		logger.Info("turn answered with user-facing error", "intent", in.Sub, "action", in.Action, "error", turnErr)
	}

	if err := e.append(ctx, reply); err != nil {
		return nil, errors.Join(turnErr, err)
	}
	e.countTransition(ctx, reply, in)
	return reply, turnErr
}

func (e *Engine) route(ctx context.Context, turn domain.Turn, in intent.Intent, now time.Time) (*domain.Message, error) {
	switch in.Sub {
	case intent.SubCancel:
		return e.machine.Cancel(ctx, turn, in.Action, now)
	case intent.SubConfirm:
		return e.machine.Confirm(ctx, turn, in.Action, now)
	case intent.SubCreate, intent.SubApprove, intent.SubStake, intent.SubConnect, intent.SubReply:
		return e.machine.Start(ctx, turn, in.Action, now)
	case intent.SubView:
		return e.info.ViewWallets(ctx, turn)
	case intent.SubCheck:
		return e.info.CheckEmail(turn), nil
	}

	scope := response.ScopeOf(turn)
	if e.fallback == nil {
		return e.compose.Text(scope, defaultReply), nil
	}
	text, err := e.fallback.Reply(ctx, turn)
	if err != nil || text == "" {
		e.logger.Warn("conversational fallback failed", "room_id", turn.RoomID, "error", err)
		return e.compose.Text(scope, defaultReply), nil
	}
	return e.compose.Text(scope, text), nil
}

// enterRoom binds the room to agentID on first use and refuses agents the
// room does not belong to. Only a verified agent may bind; unverified ones
// are checked against an existing binding. Refusals append nothing.
func (e *Engine) enterRoom(ctx context.Context, roomID, agentID string, verified bool, logger *slog.Logger) error {
	var err error
	if verified {
		err = identity.ClaimRoom(ctx, e.repo, roomID, agentID)
	} else {
		err = identity.CheckRoom(ctx, e.repo, roomID, agentID)
	}
	if errors.Is(err, identity.ErrRoomBound) {
		logger.Warn("rejected: room belongs to another agent")
		e.metrics.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "room")))
		return &action.IdentityResolutionError{AgentID: agentID, Err: err}
	}
	return err
}

// reject answers a turn refused by the lock or identity guard.
func (e *Engine) reject(ctx context.Context, scope response.Scope, guardErr error, logger *slog.Logger) (*domain.Message, error) {
	var (
		locked *action.LockedResourceError
		text   string
		reason string
	)
	if errors.As(guardErr, &locked) {
		reason = "locked"
		text = "This agent is busy with another operation right now. Please try again in a moment."
		logger.Info("turn rejected: agent locked")
	} else {
		reason = "identity"
		text = "Sorry, I couldn't verify who owns this agent, so I can't continue."
		logger.Error("turn rejected: identity resolution failed", "error", guardErr)
	}
	e.metrics.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	reply := e.compose.Text(scope, text)
	if err := e.append(ctx, reply); err != nil {
		return nil, errors.Join(guardErr, err)
	}
	return reply, guardErr
}

// HandleReport folds an execution report into the log.
func (e *Engine) HandleReport(ctx context.Context, report domain.Report) (*domain.Message, error) {
	if report.RoomID == "" || report.AgentID == "" {
		return nil, ErrInvalidTurn
	}

	release := e.rooms.lock(report.RoomID)
	defer release()

	now := e.now()
	ctx, span := telemetry.StartSpan(ctx, e.telemetry.Tracer, "engine.report",
		telemetry.AttrRoomID.String(report.RoomID),
		telemetry.AttrAction.String(string(report.Source)),
	)
	defer span.End()

	scope := response.Scope{RoomID: report.RoomID, AgentID: report.AgentID}
	logger := e.logger.With("room_id", report.RoomID, "action", report.Source)

	owner, guardErr := e.guard(ctx, report.AgentID, "", false)
	if err := e.enterRoom(ctx, report.RoomID, report.AgentID, guardErr == nil, logger); err != nil {
		span.RecordError(err)
		return nil, err
	}
	scope.UserID = owner

	meta := report.Metadata
	meta.Error = shared.Redact(meta.Error)
	inbound := &domain.Message{
		ID:        shared.NewID(),
		RoomID:    report.RoomID,
		UserID:    owner,
		AgentID:   report.AgentID,
		CreatedAt: now,
		Source:    string(report.Source),
		Metadata:  meta,
	}
	if err := e.append(ctx, inbound); err != nil {
		return nil, err
	}
	if guardErr != nil {
		return e.reject(ctx, scope, guardErr, logger)
	}

	report.Metadata = meta
	reply, stage, err := e.gateway.Finalize(ctx, report, owner, now)
	e.metrics.Reports.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrAction.String(string(report.Source)),
		telemetry.AttrStage.String(string(stage)),
	))
	if reply == nil {
		logger.Error("report failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "report failed")
		reply = e.compose.Text(scope, "Sorry, I couldn't record that result. Please try again.")
	}
	if aerr := e.append(ctx, reply); aerr != nil {
		return nil, errors.Join(err, aerr)
	}
	logger.Info("report processed", "stage", stage)
	return reply, err
}

func (e *Engine) append(ctx context.Context, msg *domain.Message) error {
	if err := e.repo.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if e.bus != nil {
		e.bus.PublishMessage(msg)
	}
	if e.transcript != nil {
		e.transcript.Record(msg)
	}
	return nil
}

func (e *Engine) countTransition(ctx context.Context, reply *domain.Message, in intent.Intent) {
	if !reply.Metadata.Action.Valid() {
		return
	}
	e.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrAction.String(string(reply.Metadata.Action)),
		telemetry.AttrStage.String(string(domain.StageOf(reply.Metadata))),
		telemetry.AttrIntent.String(string(in.Sub)),
	))
}
