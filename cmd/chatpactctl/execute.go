package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/execution"
	"github.com/ashureev/chatpact/internal/identity"
)

type executeOptions struct {
	server  string
	vendor  string
	session string
	action  string
	pin     string
	timeout time.Duration
}

func newExecuteCommand() *cobra.Command {
	opts := &executeOptions{}
	cmd := &cobra.Command{
		Use:   "execute <room-id>",
		Short: "Run the confirmed action of a room and report the outcome",
		Long: `Fetches the room's pending actions from the server, runs the one awaiting
execution against the vendor API and posts exactly one report back.

The PIN is read from --pin or CHATPACT_PIN and is never printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "chatpact server URL")
	cmd.Flags().StringVar(&opts.vendor, "vendor", "", "Vendor API base URL")
	cmd.Flags().StringVar(&opts.session, "session", os.Getenv("CHATPACT_SESSION"), "Identity cookie value (anon_...) of the agent owner")
	cmd.Flags().StringVar(&opts.action, "action", "", "Action type to run when several await execution")
	cmd.Flags().StringVar(&opts.pin, "pin", "", "4-digit PIN (defaults to CHATPACT_PIN)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Overall deadline")
	_ = cmd.MarkFlagRequired("vendor")
	return cmd
}

func runExecute(cmd *cobra.Command, opts *executeOptions, roomID string) error {
	if opts.session == "" {
		return fmt.Errorf("--session is required")
	}
	pin := opts.pin
	if pin == "" {
		pin = os.Getenv("CHATPACT_PIN")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: identity.AnonCookieName, Value: opts.session}).String())

	live, err := fetchPending(ctx, opts.server, roomID, header)
	if err != nil {
		return err
	}
	target, err := pickExecutable(live, domain.ActionType(strings.ToUpper(opts.action)))
	if err != nil {
		return err
	}
	job, err := execution.JobFromPending(target)
	if err != nil {
		return err
	}

	sink := execution.NewHTTPReportSink(opts.server)
	sink.Header = header
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	runner := execution.NewRunner(execution.NewHTTPVendor(opts.vendor), sink, nil, logger)

	report, err := runner.Execute(ctx, job, pin)
	if !runner.Submitted() {
		return err
	}
	if report.Metadata.Error != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s failed: %s\n", job.Action, report.Metadata.Error)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s succeeded", job.Action)
		if report.Metadata.TxHash != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (tx %s)", report.Metadata.TxHash)
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return err
}

func fetchPending(ctx context.Context, server, roomID string, header http.Header) ([]*domain.PendingAction, error) {
	endpoint := strings.TrimRight(server, "/") + "/api/rooms/" + url.PathEscape(roomID) + "/pending"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("get %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var body struct {
		Pending []*domain.PendingAction `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode pending actions: %w", err)
	}
	return body.Pending, nil
}

// pickExecutable selects the action awaiting execution. An empty filter is
// accepted only when exactly one candidate exists.
func pickExecutable(live []*domain.PendingAction, action domain.ActionType) (*domain.PendingAction, error) {
	var found []*domain.PendingAction
	for _, p := range live {
		if p.Stage != domain.StageAwaitingExecution {
			continue
		}
		if action != "" && p.ActionType != action {
			continue
		}
		found = append(found, p)
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("no action awaits execution in this room")
	case 1:
		return found[0], nil
	default:
		names := make([]string, len(found))
		for i, p := range found {
			names[i] = string(p.ActionType)
		}
		return nil, fmt.Errorf("several actions await execution (%s); pick one with --action", strings.Join(names, ", "))
	}
}
