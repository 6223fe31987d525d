package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	return newRootCommand().ExecuteContext(context.Background())
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steprooms",
		Short: "Shared step sequencer rooms",
		Long: `Host and join collaborative step sequencer rooms.

Every participant of a room edits the same grid of steps. Edits are broadcast
to everyone else in the room in the order the server applied them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newJoinCommand())
	cmd.AddCommand(newInspectCommand())
	return cmd
}
