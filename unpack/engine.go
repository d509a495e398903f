// Package unpack applies image layers, in order, to a root filesystem.
//
// The engine owns the layer loop and the whiteout classification. What a
// change does on disk is delegated to an Unpacker:
//
//	folder, err := rootfs.NewFolder(dir)
//	if err != nil {
//		return err
//	}
//	stats, err := unpack.New(folder).Unpack(ctx, img)
//
// Layers are applied strictly one after another and entries in stream
// order. A failure aborts the current layer; nothing is rolled back unless
// the Unpacker's hooks do so.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocirootfs/archive"
	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/logging"
	"github.com/bibin-skaria/ocirootfs/manifest"
)

// Unpacker materializes changes on a root filesystem. Every method must
// confine its mutations to the root and return a *TraversalError otherwise.
type Unpacker interface {
	// Add creates or replaces the entry's file.
	Add(ctx context.Context, entry *archive.Entry) error

	// WhiteoutFile deletes the file at the logical path.
	WhiteoutFile(ctx context.Context, path string) error

	// WhiteoutFolder deletes the prior contents of the directory at the
	// logical path.
	WhiteoutFolder(ctx context.Context, path string) error
}

// PreApplier is implemented by Unpackers that act before each layer.
type PreApplier interface {
	PreApply(ctx context.Context, layer digest.Digest) error
}

// PostApplier is implemented by Unpackers that act after each layer.
type PostApplier interface {
	PostApply(ctx context.Context, layer digest.Digest) error
}

// Image is a resolved image whose layers can be opened.
type Image interface {
	Manifest() manifest.Manifest

	// OpenLayer returns the uncompressed tar stream of a layer.
	OpenLayer(ctx context.Context, layer manifest.Layer) (io.ReadCloser, error)
}

// Stats counts what an unpack did.
type Stats struct {
	Layers             int
	Skipped            int
	Additions          int
	FileWhiteouts      int
	DirectoryWhiteouts int
}

func (s *Stats) add(other Stats) {
	s.Layers += other.Layers
	s.Skipped += other.Skipped
	s.Additions += other.Additions
	s.FileWhiteouts += other.FileWhiteouts
	s.DirectoryWhiteouts += other.DirectoryWhiteouts
}

func (s *Stats) count(k Kind) {
	switch k {
	case KindAddition:
		s.Additions++
	case KindFileWhiteout:
		s.FileWhiteouts++
	case KindDirectoryWhiteout:
		s.DirectoryWhiteouts++
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the log entry the engine reports progress to.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithLayerTimeout bounds the time spent on a single layer. The deadline is
// checked between entries.
func WithLayerTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.layerTimeout = d
	}
}

// WithObserver reports layer progress to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithApplied names the layers already present in the target, oldest
// first. Unpack skips them when they are a prefix of the image's layers;
// otherwise every layer is applied on top.
func WithApplied(layers []digest.Digest) Option {
	return func(e *Engine) {
		e.applied = layers
	}
}

// Observer is notified before and after each layer of Unpack. index counts
// from zero; err is nil when the layer was applied.
type Observer interface {
	LayerStarted(ctx context.Context, index, total int, layer digest.Digest)
	LayerCompleted(ctx context.Context, index int, layer digest.Digest, stats Stats, err error)
}

// Engine drives an Unpacker through the layers of an image.
type Engine struct {
	unpacker     Unpacker
	log          *logrus.Entry
	layerTimeout time.Duration
	observer     Observer
	applied      []digest.Digest
}

// New returns an Engine applying changes through u.
func New(u Unpacker, opts ...Option) *Engine {
	e := &Engine{
		unpacker: u,
		log:      logging.Discard().Component("unpack"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Unpack applies every layer of img in manifest order.
func (e *Engine) Unpack(ctx context.Context, img Image) (Stats, error) {
	var total Stats

	layers, err := img.Manifest().Layers()
	if err != nil {
		return total, err
	}

	skip := e.appliedPrefix(layers)
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		d := layer.Digest()
		log := e.log.WithFields(logrus.Fields{
			"layer": d.String(),
			"index": i,
		})

		if i < skip {
			e.layerStarted(ctx, i, len(layers), d)
			total.Skipped++
			e.layerCompleted(ctx, i, d, Stats{Skipped: 1}, nil)
			log.WithField("event", "layer_skipped").Info("Layer already applied")
			continue
		}

		e.layerStarted(ctx, i, len(layers), d)

		rc, err := img.OpenLayer(ctx, layer)
		if err != nil {
			err = &Error{Phase: PhaseFetch, Layer: d, Err: err}
			e.layerCompleted(ctx, i, d, Stats{}, err)
			return total, err
		}

		start := time.Now()
		stats, err := e.ApplyLayer(ctx, d, archive.NewReader(rc))
		closeErr := rc.Close()
		total.add(stats)

		if err == nil && closeErr != nil {
			// Decompressor or source failures that only show on close.
			err = &Error{Phase: PhaseFetch, Layer: d, Err: closeErr}
		}
		e.layerCompleted(ctx, i, d, stats, err)
		if err != nil {
			log.WithField("event", "layer_failed").WithError(err).Error("Layer application failed")
			return total, err
		}

		log.WithFields(logrus.Fields{
			"event":               "layer_complete",
			"additions":           stats.Additions,
			"file_whiteouts":      stats.FileWhiteouts,
			"directory_whiteouts": stats.DirectoryWhiteouts,
			"duration":            time.Since(start).String(),
		}).Info("Applied layer")
	}

	return total, nil
}

// appliedPrefix is the number of leading layers the target already holds.
func (e *Engine) appliedPrefix(layers []manifest.Layer) int {
	if len(e.applied) == 0 || len(e.applied) > len(layers) {
		return 0
	}
	for i, d := range e.applied {
		if layers[i].Digest() != d {
			return 0
		}
	}
	return len(e.applied)
}

func (e *Engine) layerStarted(ctx context.Context, index, total int, layer digest.Digest) {
	if e.observer != nil {
		e.observer.LayerStarted(ctx, index, total, layer)
	}
}

func (e *Engine) layerCompleted(ctx context.Context, index int, layer digest.Digest, stats Stats, err error) {
	if e.observer != nil {
		e.observer.LayerCompleted(ctx, index, layer, stats, err)
	}
}

// ApplyLayer runs the PreApply hook, applies every entry of r in order and
// runs the PostApply hook.
func (e *Engine) ApplyLayer(ctx context.Context, layer digest.Digest, r *archive.Reader) (Stats, error) {
	stats := Stats{}

	if e.layerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.layerTimeout)
		defer cancel()
	}

	if pre, ok := e.unpacker.(PreApplier); ok {
		if err := pre.PreApply(ctx, layer); err != nil {
			return stats, &Error{Phase: PhaseHook, Layer: layer, Err: fmt.Errorf("pre-apply: %w", err)}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, &Error{Phase: PhaseEntries, Layer: layer, Err: err}
		}

		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, &Error{Phase: PhaseEntries, Layer: layer, Err: err}
		}

		kind, err := e.ApplyChange(ctx, entry)
		if err != nil {
			var unpackErr *Error
			if errors.As(err, &unpackErr) {
				unpackErr.Layer = layer
			}
			return stats, err
		}
		stats.count(kind)
	}

	if post, ok := e.unpacker.(PostApplier); ok {
		if err := post.PostApply(ctx, layer); err != nil {
			return stats, &Error{Phase: PhaseHook, Layer: layer, Err: fmt.Errorf("post-apply: %w", err)}
		}
	}

	stats.Layers = 1
	return stats, nil
}

// ApplyChange classifies a single entry and dispatches it to the Unpacker.
func (e *Engine) ApplyChange(ctx context.Context, entry *archive.Entry) (Kind, error) {
	p, err := entry.Path()
	if err != nil {
		return KindAddition, &Error{Phase: PhaseEntryPath, Path: entry.Header.Name, Err: err}
	}

	change := Classify(p)
	e.log.WithFields(logrus.Fields{
		"path": change.Path,
		"kind": change.Kind.String(),
	}).Debug("Applying change")

	switch change.Kind {
	case KindDirectoryWhiteout:
		err = e.unpacker.WhiteoutFolder(ctx, change.Path)
	case KindFileWhiteout:
		err = e.unpacker.WhiteoutFile(ctx, change.Path)
	default:
		err = e.unpacker.Add(ctx, entry)
	}

	if err != nil {
		if readErr := entry.Err(); readErr != nil {
			return change.Kind, &Error{Phase: PhaseEntry, Path: p, Err: readErr}
		}

		var traversal *TraversalError
		if errors.As(err, &traversal) {
			e.log.WithFields(logrus.Fields{
				"event": "security",
				"path":  traversal.Path,
			}).Warn("Rejected entry escaping the root filesystem")
		}
		return change.Kind, &Error{Phase: PhaseExtract, Path: p, Err: err}
	}

	return change.Kind, nil
}
