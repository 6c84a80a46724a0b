package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/history"
	"github.com/srg/bandsync/internal/hostbridge"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var outputFormats = []string{"table", "json", "yaml", "cbor"}

// resolveFormat validates --format, falling back to the configured output format
func resolveFormat(flag, configured string, allowed ...string) (string, error) {
	if len(allowed) == 0 {
		allowed = outputFormats
	}
	f := flag
	if f == "" {
		f = configured
	}
	for _, a := range allowed {
		if f == a {
			return f, nil
		}
	}
	return "", fmt.Errorf("invalid format '%s': must be one of %v", f, allowed)
}

// render writes v in the structured formats, or calls table for "table"
func render(w io.Writer, format string, v any, table func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "cbor":
		data, err := hostbridge.MarshalCBOR(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return table(w)
	}
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// painter colours status words on terminals and leaves piped output plain
type painter struct {
	enabled bool
}

func newPainter(w io.Writer) painter {
	return painter{enabled: isTerminal(w)}
}

func (p painter) paint(s string, attrs ...color.Attribute) string {
	if !p.enabled {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

func (p painter) status(s history.Status) string {
	switch s {
	case history.Completed:
		return p.paint(s.String(), color.FgGreen)
	case history.Failed:
		return p.paint(s.String(), color.FgRed, color.Bold)
	case history.Cancelled:
		return p.paint(s.String(), color.FgYellow)
	}
	return s.String()
}

func (p painter) state(s device.ConnectionState, unresponsive bool) string {
	if unresponsive {
		return p.paint("UNRESPONSIVE", color.FgRed)
	}
	if s == device.Connected {
		return p.paint(s.String(), color.FgGreen)
	}
	return s.String()
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func joinIDs(ids []device.CapabilityID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
