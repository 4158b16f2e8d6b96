// Package gateway folds execution reports back into the log. It validates a
// report against the action's JSON Schema, performs the terminal transition
// and applies the durable side effect.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ashureev/chatpact/internal/action"
	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/response"
)

// ErrUnknownAction is returned for reports whose source is not a
// confirmable action type.
var ErrUnknownAction = errors.New("unknown report action")

// IncompleteReason is the failure detail for reports missing success fields.
const IncompleteReason = "incomplete execution report"

// Gateway closes AwaitingExecution flows.
type Gateway struct {
	registry *action.Registry
	finder   action.Finder
	wallets  action.WalletStore
	compose  *response.Composer
	schemas  map[domain.ActionType]*jsonschema.Schema
	logger   *slog.Logger
}

// New compiles every handler's report schema.
func New(registry *action.Registry, finder action.Finder, wallets action.WalletStore, compose *response.Composer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		registry: registry,
		finder:   finder,
		wallets:  wallets,
		compose:  compose,
		schemas:  make(map[domain.ActionType]*jsonschema.Schema),
		logger:   logger,
	}
	for _, t := range registry.Types() {
		h, _ := registry.Lookup(t)
		schema, err := compileSchema(string(t), h.ReportSchema())
		if err != nil {
			return nil, fmt.Errorf("report schema for %s: %w", t, err)
		}
		g.schemas[t] = schema
	}
	return g, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// Validate checks report metadata against the action's success schema.
func (g *Gateway) Validate(t domain.ActionType, meta domain.Metadata) error {
	schema, ok := g.schemas[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	return schema.Validate(doc)
}

// Finalize applies a report. It returns the response to append and the stage
// the flow ended in. A report without a live AwaitingExecution pending action
// is answered but never completes anything.
func (g *Gateway) Finalize(ctx context.Context, report domain.Report, userID string, now time.Time) (*domain.Message, domain.Stage, error) {
	scope := response.Scope{RoomID: report.RoomID, AgentID: report.AgentID, UserID: userID}

	h, ok := g.registry.Lookup(report.Source)
	if !ok {
		return g.compose.Text(scope, "I received a result for an action I don't know about."), domain.StageIdle,
			fmt.Errorf("%w: %q", ErrUnknownAction, report.Source)
	}

	pending, err := g.finder.FindPending(ctx, report.RoomID, report.Source, now)
	if err != nil {
		return nil, domain.StageIdle, err
	}
	if pending == nil || pending.Stage != domain.StageAwaitingExecution {
		g.logger.Warn("execution report without live pending action",
			"room_id", report.RoomID, "action", report.Source)
		return g.compose.Text(scope, "There's no pending request waiting for this result."), domain.StageIdle, action.ErrStateNotFound
	}
	if pending.UserID != "" {
		scope.UserID = pending.UserID
	}

	if report.Metadata.Error != "" {
		g.logger.Info("execution failed", "room_id", report.RoomID, "action", report.Source, "error", report.Metadata.Error)
		text := fmt.Sprintf("Sorry, that didn't go through: %s", report.Metadata.Error)
		return g.compose.Failure(scope, text, report.Source, report.Metadata.Error), domain.StageFailed, nil
	}

	if err := g.Validate(report.Source, report.Metadata); err != nil {
		g.logger.Warn("rejected execution report", "room_id", report.RoomID, "action", report.Source, "error", err)
		text := "Sorry, the execution result was incomplete, so I couldn't confirm it. Please try again."
		return g.compose.Failure(scope, text, report.Source, IncompleteReason), domain.StageFailed, nil
	}

	outcome, text, err := h.Complete(ctx, g.wallets, pending, report.Metadata)
	var rejected *action.ReportRejectedError
	if errors.As(err, &rejected) {
		g.logger.Warn("execution report disagrees with request", "room_id", report.RoomID, "action", report.Source, "error", err)
		text := fmt.Sprintf("Sorry, I couldn't record that result: %s.", rejected.Reason)
		return g.compose.Failure(scope, text, report.Source, rejected.Reason), domain.StageFailed, nil
	}
	if err != nil {
		return nil, domain.StageAwaitingExecution, fmt.Errorf("complete %s: %w", report.Source, err)
	}
	return g.compose.Terminal(scope, text, report.Source, outcome), domain.StageCompleted, nil
}
