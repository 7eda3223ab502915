package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		log.Fatal().Err(err).Msg("vmbackup failed")
	}
}

// exitError ends the process with code after the command already reported
// what went wrong.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "vmbackup",
		Short: "vmbackup - snapshot, clone and export libvirt VMs",
		Long: `vmbackup backs up libvirt virtual machines without stopping them.

For every configured VM it takes a snapshot, clones the VM from the
snapshot, exports the clone's disks to an export storage pool and removes
the intermediate clone and snapshot. Old backups are pruned by age and by
count.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.register(cmd.PersistentFlags())

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newListBackupsCmd(opts))
	cmd.AddCommand(newPruneCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newTagCmd(opts))
	cmd.AddCommand(newPoolsCmd(opts))
	cmd.AddCommand(newTestConnCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "vmbackup %s (commit: %s)\n", version, commit)
		},
	}
}
