// Package progress reports layer-by-layer unpack progress to a terminal.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/unpack"
)

// LayerStatus represents the status of a layer
type LayerStatus string

const (
	LayerStatusPending   LayerStatus = "pending"
	LayerStatusRunning   LayerStatus = "running"
	LayerStatusCompleted LayerStatus = "completed"
	LayerStatusFailed    LayerStatus = "failed"
)

// LayerProgress is the state of one layer
type LayerProgress struct {
	Index     int           `json:"index"`
	Digest    digest.Digest `json:"digest"`
	Status    LayerStatus   `json:"status"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Stats     unpack.Stats  `json:"stats"`
	Error     string        `json:"error,omitempty"`
}

// Tracker follows an unpack and implements unpack.Observer
type Tracker struct {
	mutex     sync.RWMutex
	layers    []*LayerProgress
	completed int
	startTime time.Time
	output    io.Writer
	verbose   bool
}

// NewTracker creates a tracker writing to output. Without verbose a single
// line is redrawn; with it every event gets its own line.
func NewTracker(output io.Writer, verbose bool) *Tracker {
	return &Tracker{
		startTime: time.Now(),
		output:    output,
		verbose:   verbose,
	}
}

// LayerStarted implements unpack.Observer
func (p *Tracker) LayerStarted(ctx context.Context, index, total int, layer digest.Digest) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for len(p.layers) < total {
		p.layers = append(p.layers, &LayerProgress{Index: len(p.layers), Status: LayerStatusPending})
	}
	if index < 0 || index >= len(p.layers) {
		return
	}

	l := p.layers[index]
	l.Digest = layer
	l.Status = LayerStatusRunning
	l.StartTime = time.Now()

	p.emit(l, "started")
}

// LayerCompleted implements unpack.Observer
func (p *Tracker) LayerCompleted(ctx context.Context, index int, layer digest.Digest, stats unpack.Stats, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if index < 0 || index >= len(p.layers) {
		return
	}

	l := p.layers[index]
	l.Duration = time.Since(l.StartTime)
	l.Stats = stats
	if err != nil {
		l.Status = LayerStatusFailed
		l.Error = err.Error()
	} else {
		l.Status = LayerStatusCompleted
		p.completed++
	}

	p.emit(l, string(l.Status))
}

// Progress returns the share of layers applied, in percent
func (p *Tracker) Progress() float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.progress()
}

func (p *Tracker) progress() float64 {
	if len(p.layers) == 0 {
		return 0
	}
	return float64(p.completed) / float64(len(p.layers)) * 100
}

// Layer returns a copy of the state of the layer at index, or nil
func (p *Tracker) Layer(index int) *LayerProgress {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if index < 0 || index >= len(p.layers) {
		return nil
	}
	l := *p.layers[index]
	return &l
}

// Summary aggregates the tracked unpack
type Summary struct {
	StartTime       time.Time       `json:"start_time"`
	Duration        time.Duration   `json:"duration"`
	TotalLayers     int             `json:"total_layers"`
	CompletedLayers int             `json:"completed_layers"`
	FailedLayers    int             `json:"failed_layers"`
	Progress        float64         `json:"progress"`
	Layers          []LayerProgress `json:"layers"`
}

// GetSummary returns a snapshot of the tracker
func (p *Tracker) GetSummary() Summary {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	summary := Summary{
		StartTime:       p.startTime,
		Duration:        time.Since(p.startTime),
		TotalLayers:     len(p.layers),
		CompletedLayers: p.completed,
		Progress:        p.progress(),
		Layers:          make([]LayerProgress, 0, len(p.layers)),
	}
	for _, l := range p.layers {
		if l.Status == LayerStatusFailed {
			summary.FailedLayers++
		}
		summary.Layers = append(summary.Layers, *l)
	}
	return summary
}

// emit writes an event for l. Must be called with mutex held.
func (p *Tracker) emit(l *LayerProgress, what string) {
	if p.output == nil {
		return
	}

	if p.verbose {
		fmt.Fprintf(p.output, "[%s] layer %d/%d %s: %s (%.1f%%)\n",
			time.Now().Format("15:04:05"),
			l.Index+1, len(p.layers),
			short(l.Digest), what, p.progress())
		return
	}

	fmt.Fprintf(p.output, "\rProgress: %.1f%% (%d/%d layers)", p.progress(), p.completed, len(p.layers))
}

// Finish prints the final line
func (p *Tracker) Finish(ctx context.Context, success bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.output == nil {
		return
	}

	duration := time.Since(p.startTime).Round(time.Millisecond)
	if success {
		fmt.Fprintf(p.output, "\n✓ Unpacked %d layers in %s\n", p.completed, duration)
	} else {
		fmt.Fprintf(p.output, "\n✗ Unpack failed after %s (%d/%d layers applied)\n", duration, p.completed, len(p.layers))
	}
}

func short(d digest.Digest) string {
	s := d.String()
	if len(d.Hex) > 12 {
		s = string(d.Algorithm) + ":" + d.Hex[:12]
	}
	return s
}
