package progress

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/unpack"
)

var _ unpack.Observer = (*Tracker)(nil)

func TestTrackerSuccess(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewTracker(&buf, false)
	ctx := context.Background()

	first := digest.FromBytes([]byte("first"))
	second := digest.FromBytes([]byte("second"))

	tracker.LayerStarted(ctx, 0, 2, first)
	if got := tracker.Layer(0).Status; got != LayerStatusRunning {
		t.Errorf("Expected running, got %s", got)
	}
	if got := tracker.Layer(1).Status; got != LayerStatusPending {
		t.Errorf("Expected pending, got %s", got)
	}

	tracker.LayerCompleted(ctx, 0, first, unpack.Stats{Layers: 1, Additions: 3}, nil)
	if got := tracker.Progress(); got != 50 {
		t.Errorf("Expected 50%%, got %.1f", got)
	}

	tracker.LayerStarted(ctx, 1, 2, second)
	tracker.LayerCompleted(ctx, 1, second, unpack.Stats{Layers: 1, FileWhiteouts: 1}, nil)
	tracker.Finish(ctx, true)

	summary := tracker.GetSummary()
	if summary.TotalLayers != 2 || summary.CompletedLayers != 2 {
		t.Errorf("Expected 2/2 layers, got %d/%d", summary.CompletedLayers, summary.TotalLayers)
	}
	if summary.FailedLayers != 0 {
		t.Errorf("Expected no failed layers, got %d", summary.FailedLayers)
	}
	if summary.Layers[0].Stats.Additions != 3 {
		t.Errorf("Expected 3 additions on first layer, got %d", summary.Layers[0].Stats.Additions)
	}
	if summary.Layers[1].Digest != second {
		t.Errorf("Expected digest %s, got %s", second, summary.Layers[1].Digest)
	}

	out := buf.String()
	if !strings.Contains(out, "Progress: 100.0% (2/2 layers)") {
		t.Errorf("Expected final progress line, got %q", out)
	}
	if !strings.Contains(out, "Unpacked 2 layers") {
		t.Errorf("Expected success line, got %q", out)
	}
}

func TestTrackerFailure(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewTracker(&buf, true)
	ctx := context.Background()

	d := digest.FromBytes([]byte("broken"))
	tracker.LayerStarted(ctx, 0, 3, d)
	tracker.LayerCompleted(ctx, 0, d, unpack.Stats{}, errors.New("disk full"))
	tracker.Finish(ctx, false)

	l := tracker.Layer(0)
	if l.Status != LayerStatusFailed {
		t.Errorf("Expected failed, got %s", l.Status)
	}
	if l.Error != "disk full" {
		t.Errorf("Expected error 'disk full', got %q", l.Error)
	}

	summary := tracker.GetSummary()
	if summary.FailedLayers != 1 {
		t.Errorf("Expected 1 failed layer, got %d", summary.FailedLayers)
	}
	if summary.Progress != 0 {
		t.Errorf("Expected 0%% progress, got %.1f", summary.Progress)
	}

	out := buf.String()
	if !strings.Contains(out, "layer 1/3 "+d.String()[:len("sha256:")+12]+": failed") {
		t.Errorf("Expected verbose failure line, got %q", out)
	}
	if !strings.Contains(out, "(0/3 layers applied)") {
		t.Errorf("Expected failure summary, got %q", out)
	}
}

func TestTrackerOutOfRange(t *testing.T) {
	tracker := NewTracker(nil, false)
	ctx := context.Background()

	tracker.LayerCompleted(ctx, 5, digest.Digest{}, unpack.Stats{}, nil)
	tracker.LayerStarted(ctx, 3, 2, digest.Digest{})
	tracker.Finish(ctx, true)

	if tracker.Layer(3) != nil {
		t.Error("Expected nil for out-of-range layer")
	}
	if got := tracker.Progress(); got != 0 {
		t.Errorf("Expected 0%%, got %.1f", got)
	}
}
