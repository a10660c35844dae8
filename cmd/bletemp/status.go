package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bletemp/internal/gap"
)

const (
	statusUpdateInterval = time.Second
	clearLineSequence    = "\r\033[K"
)

// statusSource is what the status line reports on.
type statusSource interface {
	State() gap.State
	Stats() gap.Stats
}

// StatusPrinter redraws a single terminal line with the link state.
//
// Usage:
//
//	p := NewStatusPrinter(os.Stdout, app)
//	p.Start()
//	defer p.Stop()
//
// A StatusPrinter is single-use. Start may be called at most once; Stop is
// safe to call multiple times.
type StatusPrinter struct {
	w         io.Writer
	src       statusSource
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// NewStatusPrinter creates a printer for src writing to w.
func NewStatusPrinter(w io.Writer, src statusSource) *StatusPrinter {
	return &StatusPrinter{w: w, src: src}
}

// Start begins redrawing in a background goroutine.
// Panics if called more than once on the same StatusPrinter instance.
func (p *StatusPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("StatusPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(statusUpdateInterval)
	p.ticker.Store(ticker)

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

func (p *StatusPrinter) print() {
	fmt.Fprint(p.w, clearLineSequence+p.line())
}

func (p *StatusPrinter) line() string {
	state := p.src.State()
	stats := p.src.Stats()

	c := color.New(color.FgYellow)
	switch state {
	case gap.Connected:
		c = color.New(color.FgGreen)
	case gap.Idle:
		c = color.New(color.FgRed)
	}

	return fmt.Sprintf("%s  up %s  adv %d (failed %d)  conn %d",
		c.Sprint(state),
		time.Since(p.startTime).Truncate(time.Second),
		stats.AdvStarts, stats.AdvFailures, stats.Connections)
}

// Stop stops redrawing and clears the line.
func (p *StatusPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.w, clearLineSequence)
}
