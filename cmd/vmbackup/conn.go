package main

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newTestConnCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-conn",
		Short: "Test the libvirt connection",
		Long:  `Test connectivity to the libvirt daemon and display version information.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()

			options := connectOptions(a.cfg)
			_, _ = fmt.Fprintf(out, "Testing connection to %s...\n", options.Redacted())

			client, err := dialHost(options)
			if err != nil {
				return fmt.Errorf("failed to connect to libvirt: %w", err)
			}
			defer func() {
				if err := client.Close(); err != nil {
					a.logger.Warn().Err(err).Msg("failed to close libvirt connection")
				}
			}()

			_, _ = fmt.Fprintf(out, "✓ Connected to libvirt daemon at %s\n", client.Target())

			if err := client.Ping(); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}

			libVersion, err := client.Version()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "✓ Libvirt version: %s\n", libVersion)

			hostname, err := client.Hostname()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "✓ Hypervisor hostname: %s\n", hostname)

			_, _ = fmt.Fprintln(out, "\nConnection test successful!")
			return nil
		},
	}
}

func newPoolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "List storage pools and their free space",
		Long: `List the libvirt storage pools with their capacity and free space.
The configured storage and export pools are marked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			pools, err := s.ListPools(ctx)
			if err != nil {
				return fmt.Errorf("failed to list pools: %w", err)
			}
			if len(pools) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No storage pools found")
				return nil
			}

			var buf bytes.Buffer
			w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tCAPACITY\tALLOCATED\tAVAILABLE\tROLE")
			for _, p := range pools {
				role := "-"
				switch p.Name {
				case a.cfg.StorageDomain:
					role = "storage"
				case a.cfg.ExportDomain:
					role = "export"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					p.Name, p.Type, p.State,
					units.BytesSize(float64(p.Capacity)),
					units.BytesSize(float64(p.Allocation)),
					units.BytesSize(float64(p.Available)),
					role)
			}
			_ = w.Flush()
			_, _ = fmt.Fprint(cmd.OutOrStdout(), buf.String())
			return nil
		},
	}
}
