package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/srg/bandsync/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// Progress prints a single self-overwriting status line with a countdown, or with elapsed
// time when no duration is known. Nothing is printed when the writer is not a terminal.
//
// A Progress is single-use: Start once, Stop any number of times.
type Progress struct {
	w        io.Writer
	prefix   string
	duration time.Duration
	enabled  bool

	mu      sync.Mutex
	phase   string
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

func newProgress(w io.Writer, prefix, phase string, duration time.Duration) *Progress {
	return &Progress{
		w:        w,
		prefix:   prefix,
		phase:    phase,
		duration: duration,
		enabled:  isTerminal(w),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins refreshing the status line
func (p *Progress) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	if !p.enabled {
		close(p.done)
		return
	}

	start := time.Now()
	p.print(start)
	groutine.Go(context.Background(), "progress", func(context.Context) {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print(start)
			}
		}
	})
}

func (p *Progress) print(start time.Time) {
	p.mu.Lock()
	phase := p.phase
	p.mu.Unlock()

	elapsed := time.Since(start)
	seconds := int(elapsed.Seconds())
	if p.duration > 0 {
		// round the remaining time to the nearest second
		seconds = max(0, int((p.duration-elapsed).Seconds()+0.5))
	}
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// SetPhase replaces the phase shown in parentheses
func (p *Progress) SetPhase(phase string) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// Stop ends the refresh loop and clears the line
func (p *Progress) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	if p.enabled {
		fmt.Fprint(p.w, clearLineSequence)
	}
}
