/*
 * Dissect
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/dissect"
	"github.com/gravitational/dissect/lib/config"
	"github.com/gravitational/dissect/lib/defaults"
	"github.com/gravitational/dissect/lib/events"
	"github.com/gravitational/dissect/lib/scan"
)

// BlobStore reads file bytes out of the shared blob store.
type BlobStore interface {
	// DrainData destructively reads all bytes under pointer.
	DrainData(ctx context.Context, pointer string) ([]byte, error)
}

// EventSink appends records to per-request event streams.
type EventSink interface {
	// AppendEvent appends one record and extends the stream TTL.
	AppendEvent(ctx context.Context, rootID string, event []byte, expireAt time.Time) error
	// Finalize terminates the stream.
	Finalize(ctx context.Context, rootID string, expireAt time.Time) error
}

// Taster classifies file bytes into flavor tags.
type Taster interface {
	// TasteContentType returns exactly one content type tag.
	TasteContentType(data []byte) []string
	// TasteRules returns the names of the tasting rules matching data.
	TasteRules(data []byte) ([]string, error)
}

// ScannerSource resolves scanners by registered name.
type ScannerSource interface {
	// Get returns a reusable scanner instance, or a not found error.
	Get(name string) (scan.Scanner, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Blobs holds the file bytes to scan.
	Blobs BlobStore
	// Events receives the emitted file events.
	Events EventSink
	// Taster derives each file's flavor set.
	Taster Taster
	// Scanners resolves assigned scanner names to instances.
	Scanners ScannerSource
	// Harness runs the scanner invocations.
	Harness *scan.Harness
	// Mappings are the configured assignment rules.
	Mappings config.ScannerMappings
	// MaxDepth is the deepest extraction level dispatched.
	MaxDepth int
	// DistributionTimeout bounds the processing of a single file.
	DistributionTimeout time.Duration
	// Logger emits dispatch diagnostics.
	Logger *slog.Logger
	// Clock measures dispatch timing.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *DispatcherConfig) CheckAndSetDefaults() error {
	if c.Blobs == nil {
		return trace.BadParameter("missing parameter Blobs")
	}
	if c.Events == nil {
		return trace.BadParameter("missing parameter Events")
	}
	if c.Taster == nil {
		return trace.BadParameter("missing parameter Taster")
	}
	if c.Scanners == nil {
		return trace.BadParameter("missing parameter Scanners")
	}
	if c.Harness == nil {
		return trace.BadParameter("missing parameter Harness")
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaults.MaxDepth
	}
	if c.DistributionTimeout <= 0 {
		c.DistributionTimeout = defaults.DistributionTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.With(dissect.ComponentKey, dissect.ComponentDispatch)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Dispatcher drives one file at a time through the scanner pipeline and
// recurses depth-first into whatever the scanners extract. A worker owns
// exactly one Dispatcher, dispatch within a worker is single-threaded.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher returns a new Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{cfg: cfg}, nil
}

// Dispatch processes file and its extraction subtree within the request
// rooted at rootID. Events are emitted pre-order: the file's own event
// first, then its descendants depth-first in discovery order. The only
// error Dispatch returns is the request deadline firing, every other
// failure is contained to the file it hit.
func (d *Dispatcher) Dispatch(ctx context.Context, rootID string, file *scan.File, expireAt time.Time) error {
	if file.Depth > d.cfg.MaxDepth {
		filesDroppedDepth.Inc()
		d.cfg.Logger.DebugContext(ctx, "Dropping file over the depth limit.",
			"file", file.ID, "depth", file.Depth, "max_depth", d.cfg.MaxDepth)
		return nil
	}

	fileCtx, cancel := context.WithTimeoutCause(ctx, d.cfg.DistributionTimeout, scan.ErrDistributionTimeout)
	children, err := d.processFile(fileCtx, rootID, file, expireAt)
	cancel()
	if err != nil {
		err = classifyDeadline(fileCtx, err)
		switch {
		case errors.Is(err, scan.ErrRequestTimeout):
			return trace.Wrap(err)
		case errors.Is(err, scan.ErrDistributionTimeout):
			d.cfg.Logger.WarnContext(ctx, "Distribution deadline exceeded, skipping subtree.",
				"file", file.ID, "depth", file.Depth)
			return nil
		default:
			d.cfg.Logger.ErrorContext(ctx, "Failed to process file, skipping subtree.",
				"file", file.ID, "depth", file.Depth, "error", err)
			return nil
		}
	}

	for _, child := range children {
		child.Parent = file.ID
		child.Depth = file.Depth + 1
		if err := d.Dispatch(ctx, rootID, child, expireAt); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// processFile runs the per-file pipeline: drain, taste, assign, scan,
// emit. It returns the children extracted so far even on error so the
// caller can decide what to do with them.
func (d *Dispatcher) processFile(ctx context.Context, rootID string, file *scan.File, expireAt time.Time) ([]*scan.File, error) {
	filesDispatched.Inc()

	data, err := d.cfg.Blobs.DrainData(ctx, file.Pointer)
	if err != nil {
		return nil, trace.Wrap(err, "draining file %v", file.Pointer)
	}

	file.AddFlavors(map[string][]string{
		scan.FlavorContentType: d.cfg.Taster.TasteContentType(data),
	})
	if tags, err := d.cfg.Taster.TasteRules(data); err != nil {
		d.cfg.Logger.WarnContext(ctx, "Rule tasting failed, routing on content type only.",
			"file", file.ID, "error", err)
	} else {
		file.AddFlavors(map[string][]string{scan.FlavorRule: tags})
	}

	assignments := Assign(d.cfg.Mappings, file.AllFlavors(), file.Name, file.Source)

	// resolve instances up front so an unregistered scanner never shows
	// up in the emitted scanner list
	names := make([]string, 0, len(assignments))
	scanners := make([]scan.Scanner, 0, len(assignments))
	resolved := make([]Assignment, 0, len(assignments))
	for _, assignment := range assignments {
		scanner, err := d.cfg.Scanners.Get(assignment.Name)
		if err != nil {
			scannersMissing.Inc()
			d.cfg.Logger.WarnContext(ctx, "Skipping unresolvable scanner.",
				"scanner", assignment.Name, "error", err)
			continue
		}
		names = append(names, assignment.Name)
		scanners = append(scanners, scanner)
		resolved = append(resolved, assignment)
	}

	scanDict := events.NewDict()
	var children []*scan.File
	for i, assignment := range resolved {
		result, err := d.cfg.Harness.Run(ctx, scanners[i], data, file, assignment.Options, expireAt)
		if err != nil {
			return children, trace.Wrap(err)
		}
		scanDict.Set(result.Key, result.Event)
		children = append(children, result.Children...)
		if elapsed, ok := result.Event.Get("elapsed"); ok {
			if secs, ok := elapsed.(float64); ok {
				scanSeconds.WithLabelValues(result.Key).Observe(secs)
			}
		}
	}

	event := events.NewDict().
		Set("file", d.fileDict(rootID, file, names, len(data))).
		Set("scan", scanDict)
	encoded, err := events.Format(event)
	if err != nil {
		// a file whose event cannot be serialized still gets its subtree
		// scanned
		d.cfg.Logger.ErrorContext(ctx, "Failed to format event.",
			"file", file.ID, "error", err)
		return children, nil
	}
	if err := d.cfg.Events.AppendEvent(ctx, rootID, encoded, expireAt); err != nil {
		return children, trace.Wrap(err, "emitting event for file %v", file.ID)
	}
	eventsEmitted.Inc()
	return children, nil
}

// fileDict composes the file half of the event. The tree collapses onto
// the request id at the top: the root node is the request itself, and its
// direct children name the request as their parent.
func (d *Dispatcher) fileDict(rootID string, file *scan.File, scanners []string, size int) *events.Dict {
	node := file.ID
	parent := file.Parent
	switch file.Depth {
	case 0:
		node = rootID
		parent = ""
	case 1:
		parent = rootID
	}
	tree := events.NewDict().
		Set("node", node).
		Set("parent", parent).
		Set("root", rootID)

	return events.NewDict().
		Set("depth", file.Depth).
		Set("name", file.Name).
		Set("flavors", file.Flavors).
		Set("scanners", scanners).
		Set("size", size).
		Set("source", file.Source).
		Set("tree", tree)
}

// classifyDeadline maps a bare context expiry onto the deadline that
// caused it. I/O surfacing the cancellation as plain context errors keeps
// the outer layers able to tell a file budget from a request budget.
func classifyDeadline(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}
