package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTagCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage VM tags",
		Long: `Manage the tags stored in a VM's libvirt metadata.

"vmbackup run --tag <tag>" backs up the VMs carrying the tag.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <vm>",
		Short: "List the tags of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHostSession(cmd, opts, func(ctx context.Context, s hostSession) error {
				tags, err := s.Tags(ctx, args[0])
				if err != nil {
					return err
				}
				if len(tags) == 0 {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "VM %s has no tags\n", args[0])
					return nil
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(tags, "\n"))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <vm> <tag>",
		Short: "Add a tag to a VM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHostSession(cmd, opts, func(ctx context.Context, s hostSession) error {
				if err := s.AddTag(ctx, args[0], args[1]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Tagged %s with %s\n", args[0], args[1])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <vm> <tag>",
		Short: "Remove a tag from a VM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHostSession(cmd, opts, func(ctx context.Context, s hostSession) error {
				if err := s.RemoveTag(ctx, args[0], args[1]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed tag %s from %s\n", args[1], args[0])
				return nil
			})
		},
	})

	return cmd
}

// withHostSession runs fn with a libvirt session for cfg.
func withHostSession(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, hostSession) error) error {
	a, ctx, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := openHostSession(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close connection")
		}
	}()

	return fn(ctx, s)
}
