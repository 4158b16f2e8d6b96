package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/pending"
	"github.com/ashureev/chatpact/internal/store"
)

func openStore(opts *rootOptions) (*store.SQLiteStore, error) {
	s, err := store.NewSQLite(opts.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.dbPath, err)
	}
	return s, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <room-id>",
		Short: "Print the latest messages of a room, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			msgs, err := s.RecentMessages(cmd.Context(), args[0], time.Time{}, limit)
			if err != nil {
				return err
			}
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tSOURCE\tACTION\tSTAGE\tTEXT")
			for _, m := range msgs {
				stage := ""
				if m.IsEngineAuthored() && m.Metadata.Action.Valid() {
					stage = string(domain.StageOf(m.Metadata))
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", m.Seq, m.CreatedAt.Format(time.RFC3339), m.Source,
					m.Metadata.Action, stage, oneLine(m.Text))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Number of messages to print")
	return cmd
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	var (
		window time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "pending <room-id>",
		Short: "Show live pending actions of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			live, err := pending.NewResolver(s, window, limit).FindAll(cmd.Context(), args[0], time.Now())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), live)
			}
			if len(live) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending actions.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTION\tSTAGE\tCREATED\tEXPIRES\tMESSAGE")
			for _, p := range live {
				expires := "-"
				if p.ExpiresAt != nil {
					expires = p.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ActionType, p.Stage, p.CreatedAt.Format(time.RFC3339), expires, p.MessageID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&window, "window", pending.DefaultWindow, "Lookback window")
	cmd.Flags().IntVar(&limit, "limit", pending.DefaultLimit, "Lookback message count")
	return cmd
}

func newLockCommand(opts *rootOptions, locked bool) *cobra.Command {
	use, short := "lock <agent-id>", "Lock an agent so turns are refused"
	if !locked {
		use, short = "unlock <agent-id>", "Unlock an agent"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			changed, err := s.SetAgentLocked(cmd.Context(), args[0], locked)
			if err != nil {
				return err
			}
			state := "unlocked"
			if locked {
				state = "locked"
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Agent %s was already %s.\n", args[0], state)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s %s.\n", args[0], state)
			return nil
		},
	}
}

func newAgentCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agent records"}

	var createdBy, name string
	add := &cobra.Command{
		Use:   "add <agent-id>",
		Short: "Create or update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if createdBy == "" {
				return fmt.Errorf("--created-by is required")
			}
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.UpsertAgent(cmd.Context(), &domain.Agent{AgentID: args[0], CreatedBy: createdBy, Name: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s saved.\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&createdBy, "created-by", "", "External reference of the owning user")
	add.Flags().StringVar(&name, "name", "", "Display name")
	cmd.AddCommand(add)
	return cmd
}

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage user records"}

	var ref, username string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ref == "" {
				ref = args[0]
			}
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.UpsertUser(cmd.Context(), &domain.User{UserID: args[0], ExternalRef: ref, Username: username}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s saved (ref %s).\n", args[0], ref)
			return nil
		},
	}
	add.Flags().StringVar(&ref, "ref", "", "External reference agents record as creator (defaults to the user id)")
	add.Flags().StringVar(&username, "username", "", "Display name")
	cmd.AddCommand(add)
	return cmd
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
