package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/history"
	"github.com/srg/bandsync/pkg/band"
)

type syncOptions struct {
	types    []string
	since    string
	format   string
	records  bool
	discover time.Duration
}

// syncReport is the rendered outcome of one capability's session
type syncReport struct {
	Capability  device.CapabilityID `json:"capability" yaml:"capability" cbor:"capability"`
	Status      history.Status      `json:"status" yaml:"status" cbor:"status"`
	Pages       int                 `json:"pages" yaml:"pages" cbor:"pages"`
	Records     int                 `json:"records" yaml:"records" cbor:"records"`
	Retries     int                 `json:"retries" yaml:"retries" cbor:"retries"`
	NewestBlock time.Time           `json:"newest_block" yaml:"newest_block" cbor:"newest_block"`
	NewestEntry time.Time           `json:"newest_entry" yaml:"newest_entry" cbor:"newest_entry"`
	Error       string              `json:"error,omitempty" yaml:"error,omitempty" cbor:"error,omitempty"`
	Items       []codec.Record      `json:"items,omitempty" yaml:"items,omitempty" cbor:"items,omitempty"`
}

func newSyncCmd() *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync <address>",
		Short: "Sync history records from a band",
		Long: `Connect to a band and page through its stored history for each capability.

Sessions of different capabilities run concurrently over the band's single operation
queue. --since resumes from a previous watermark: only records newer than it are requested.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, strings.ToUpper(args[0]), opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.types, "type", "t", nil, "Capabilities to sync (default: every capability with history)")
	cmd.Flags().StringVar(&opts.since, "since", "", "Resume watermark as RFC3339 time")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json, yaml, cbor)")
	cmd.Flags().BoolVar(&opts.records, "records", false, "Include the synced records in structured output")
	cmd.Flags().DurationVar(&opts.discover, "discover-timeout", 10*time.Second, "How long to scan for the band before giving up")
	return cmd
}

func runSync(cmd *cobra.Command, address string, opts *syncOptions) error {
	var from history.Watermark
	if opts.since != "" {
		t, err := time.Parse(time.RFC3339, opts.since)
		if err == nil {
			err = codec.ValidateBCDTime(t)
		}
		if err != nil {
			return &device.Error{Kind: device.KindConfiguration, Op: "sync", Msg: fmt.Sprintf("invalid --since %q", opts.since), Err: err}
		}
		from = history.NewWatermark(t, t)
	}

	b, cfg, _, err := openBand(cmd, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	format, err := resolveFormat(opts.format, cfg.OutputFormat)
	if err != nil {
		return err
	}
	types, err := historyTypes(b, opts.types)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := awaitDevice(ctx, b, address, opts.discover); err != nil {
		return err
	}
	if err := b.Connect(ctx, address, types...); err != nil {
		return err
	}
	defer func() { _ = b.Disconnect(ctx, address) }()

	progress := newProgress(cmd.ErrOrStderr(), "Syncing "+address, "Fetching pages", 0)
	progress.Start()

	sessions := make([]*history.Session, 0, len(types))
	for _, id := range types {
		s, err := b.Sync(ctx, address, id, from)
		if err != nil {
			progress.Stop()
			return err
		}
		sessions = append(sessions, s)
	}

	reports := make([]syncReport, 0, len(sessions))
	var failures []error
	for _, s := range sessions {
		res, err := s.Wait(ctx)
		if err != nil {
			progress.Stop()
			return err
		}
		r := syncReport{
			Capability:  res.Capability,
			Status:      res.Status,
			Pages:       res.Pages,
			Records:     res.Records,
			Retries:     res.Retries,
			NewestBlock: res.Watermark.NewestBlockTime(),
			NewestEntry: res.Watermark.NewestEntryTime(),
		}
		if res.Err != nil {
			r.Error = res.Err.Error()
			failures = append(failures, fmt.Errorf("%s: %w", res.Capability, res.Err))
		}
		if opts.records {
			r.Items = s.Records()
		}
		reports = append(reports, r)
	}
	progress.Stop()

	if err := render(cmd.OutOrStdout(), format, reports, func(w io.Writer) error {
		return displaySyncTable(w, reports, newPainter(w))
	}); err != nil {
		return err
	}
	return errors.Join(failures...)
}

// historyTypes parses requested types, defaulting to every catalog type with a history channel
func historyTypes(b *band.Band, names []string) ([]device.CapabilityID, error) {
	if len(names) > 0 {
		ids, err := b.Catalog.ParseCapabilities(names...)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if t, _ := b.Catalog.Get(id); t.History == nil {
				return nil, device.Errorf(device.KindUnsupported, "capability %s has no history", id)
			}
		}
		return ids, nil
	}

	var ids []device.CapabilityID
	for _, id := range b.Catalog.IDs() {
		if t, _ := b.Catalog.Get(id); t.History != nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func displaySyncTable(w io.Writer, reports []syncReport, p painter) error {
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "CAPABILITY\tPAGES\tRECORDS\tRETRIES\tNEWEST ENTRY\tSTATUS")
	for _, r := range reports {
		status := p.status(r.Status)
		if r.Error != "" {
			status += " (" + r.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
			r.Capability, r.Pages, r.Records, r.Retries, formatTime(r.NewestEntry), status)
	}
	return tw.Flush()
}
