package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/bandsync/internal/hostbridge"
)

type serveOptions struct {
	listen string
	scan   bool
	types  []string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish engine events to host applications",
		Long: `Run the host bridge: GET /api/devices returns the current device list and /ws streams
scan, device, connection, sync and step events as JSON envelopes (?encoding=cbor for
CBOR binary frames, ?types=a,b to filter event types).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&opts.scan, "scan", false, "Start scanning when the bridge starts")
	cmd.Flags().StringSliceVarP(&opts.types, "type", "t", nil, "Capability types to scan for with --scan")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	b, cfg, logger, err := openBand(cmd, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	types, err := b.Catalog.ParseCapabilities(opts.types...)
	if err != nil {
		return err
	}
	listen := opts.listen
	if listen == "" {
		listen = cfg.Bridge.Listen
	}

	srv, err := hostbridge.New(b, &hostbridge.Options{ShutdownTimeout: cfg.Bridge.ShutdownTimeout}, logger)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	if opts.scan {
		if err := b.StartScan(ctx, types...); err != nil {
			return err
		}
	}

	_, errCh, err := srv.ListenAndServe(ctx, listen)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bridge listening on %s (Ctrl+C to stop)\n", listen)

	// errCh is closed once the server has shut down
	for err := range errCh {
		cancel()
		return err
	}
	return nil
}
