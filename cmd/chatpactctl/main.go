// chatpactctl is the operator CLI: it inspects room logs and pending actions,
// manages agent locks and seed records, and runs confirmed actions from the
// client side of the execution boundary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	dbPath     string
	jsonOutput bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chatpactctl",
		Short:         "Operate a chatpact deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	dbDefault := os.Getenv("DB_PATH")
	if dbDefault == "" {
		dbDefault = "./data/chatpact.db"
	}
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", dbDefault, "Path to the SQLite database")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print JSON instead of text")

	cmd.AddCommand(
		newLogCommand(opts),
		newPendingCommand(opts),
		newLockCommand(opts, true),
		newLockCommand(opts, false),
		newAgentCommand(opts),
		newUserCommand(opts),
		newExecuteCommand(),
	)
	return cmd
}
