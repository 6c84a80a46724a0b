package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/scan"
	"github.com/srg/bandsync/pkg/config"
)

type scanOptions struct {
	duration time.Duration
	types    []string
	services []string
	format   string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for fitness bands",
		Long: `Scan for bands advertising the capability services the engine recognizes and
display their names, addresses, signal strength and detected capabilities.

Without --type every allowed capability type is scanned for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config; 0 in config scans until interrupted)")
	cmd.Flags().StringSliceVarP(&opts.types, "type", "t", nil, "Capability types to scan for (steps, heart_rate, sleep, hrv, battery)")
	cmd.Flags().StringSliceVarP(&opts.services, "services", "s", nil, "Only show bands advertising one of these service UUIDs")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json, yaml, cbor)")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	services, err := codec.CanonicalUUIDs(opts.services)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	b, cfg, _, err := openBand(cmd, func(cfg *config.Config) {
		if opts.duration > 0 {
			cfg.ScanDuration = opts.duration
		}
	})
	if err != nil {
		return err
	}
	defer b.Close()

	format, err := resolveFormat(opts.format, cfg.OutputFormat)
	if err != nil {
		return err
	}
	types, err := b.Catalog.ParseCapabilities(opts.types...)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := scanUntilDone(ctx, cmd, b.Scan, types, cfg.ScanDuration); err != nil {
		return err
	}

	devices := filterByServices(b.Devices(), services)
	return render(cmd.OutOrStdout(), format, devices, func(w io.Writer) error {
		return displayDevicesTable(w, devices, newPainter(w))
	})
}

// scanUntilDone runs one scan session until it completes, fails or ctx is cancelled
func scanUntilDone(ctx context.Context, cmd *cobra.Command, h scan.Handle, types []device.CapabilityID, duration time.Duration) error {
	states, err := h.SubscribeStates()
	if err != nil {
		return err
	}
	defer states.Close()

	if err := h.Start(ctx, types); err != nil {
		return err
	}

	progress := newProgress(cmd.ErrOrStderr(), "Scanning for bands", "Scanning", duration)
	progress.Start()
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return h.Stop()
		case st, ok := <-states.C():
			if !ok {
				return device.ErrCancelled
			}
			switch st.Kind {
			case scan.Completed, scan.Stopped:
				return nil
			case scan.Failed:
				if last, _ := h.LastError(); last != nil {
					return last
				}
				return device.Errorf(device.KindTransportFailure, "scan failed: %s", st.Code)
			}
		}
	}
}

// filterByServices keeps devices advertising at least one of the canonical service ids
func filterByServices(devices []device.Device, services []string) []device.Device {
	if len(services) == 0 {
		return devices
	}
	out := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		for _, id := range d.ServiceIDs {
			if slices.Contains(services, id) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func displayDevicesTable(w io.Writer, devices []device.Device, p painter) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No bands discovered")
		return err
	}

	sorted := slices.Clone(devices)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RSSI > sorted[j].RSSI
	})

	tw := newTabWriter(w)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tCAPABILITIES\tLAST SEEN\tSTATE")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, d := range sorted {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\t%s\n",
			truncate(name, 20),
			d.Address,
			d.RSSI,
			truncate(joinIDs(d.Recognized), 30),
			time.Since(d.LastSeen).Truncate(time.Second),
			p.state(d.State, d.Unresponsive),
		)
	}
	return tw.Flush()
}
