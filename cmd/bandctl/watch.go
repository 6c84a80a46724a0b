package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bandsync/internal/activity"
	"github.com/srg/bandsync/internal/device"
)

type watchOptions struct {
	duration time.Duration
	format   string
	discover time.Duration
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <address>",
		Short: "Stream live step samples with activity classification",
		Long: `Connect to a band, subscribe to its live activity characteristic and print one
line per sample: the classified activity, stride, corrected step increment and the
confidence of the correction. Totals are printed when the stream ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, strings.ToUpper(args[0]), opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 streams until interrupted)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().DurationVar(&opts.discover, "discover-timeout", 10*time.Second, "How long to scan for the band before giving up")
	return cmd
}

func runWatch(cmd *cobra.Command, address string, opts *watchOptions) error {
	format, err := resolveFormat(opts.format, "", "table", "json")
	if err != nil {
		return err
	}

	b, _, _, err := openBand(cmd, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if err := awaitDevice(ctx, b, address, opts.discover); err != nil {
		return err
	}

	results := b.Activity.Subscribe()
	defer results.Close()
	changes := b.Registry.SubscribeConnectionChanges()
	defer changes.Close()

	if err := b.Connect(ctx, address, device.Steps); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	emit := newResultPrinter(out, format)
	for {
		select {
		case <-ctx.Done():
			return printTotals(out, format, b.Activity)
		case c := <-changes.C():
			if c.Address == address && c.State == device.Disconnected {
				_ = printTotals(out, format, b.Activity)
				return ErrConnectionLost
			}
		case r, ok := <-results.C():
			if !ok {
				return printTotals(out, format, b.Activity)
			}
			if err := emit(r); err != nil {
				return err
			}
		}
	}
}

// newResultPrinter prints a header once and one line per result
func newResultPrinter(w io.Writer, format string) func(activity.Result) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		return func(r activity.Result) error { return enc.Encode(r) }
	}

	p := newPainter(w)
	header := false
	return func(r activity.Result) error {
		if !header {
			header = true
			fmt.Fprintf(w, "%-8s  %-16s  %8s  %7s  %9s  %10s\n", "TIME", "ACTIVITY", "STRIDE M", "STEPS", "CORRECTED", "CONFIDENCE")
		}
		name := fmt.Sprintf("%-16s", r.Activity)
		if r.Activity.IsRunning() {
			name = p.paint(name, color.FgYellow)
		}
		_, err := fmt.Fprintf(w, "%-8s  %s  %8.3f  %7d  %9d  %9.0f%%\n",
			r.At.Format("15:04:05"), name, r.StrideM, r.IncrementalUncorrected, r.IncrementalCorrected, r.Confidence*100)
		return err
	}
}

func printTotals(w io.Writer, format string, e *activity.Engine) error {
	corrected, uncorrected := e.Totals()
	if format == "json" {
		return json.NewEncoder(w).Encode(map[string]int{
			"total_corrected":   corrected,
			"total_uncorrected": uncorrected,
		})
	}
	_, err := fmt.Fprintf(w, "Total: %d steps (%d counted by the band)\n", corrected, uncorrected)
	return err
}
