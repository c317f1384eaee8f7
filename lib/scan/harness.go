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

package scan

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/dissect"
	"github.com/gravitational/dissect/lib/defaults"
	"github.com/gravitational/dissect/lib/events"
	"github.com/gravitational/dissect/lib/utils"
)

// Flags recorded by the harness on behalf of the scanner.
const (
	// FlagTimedOut marks a scanner stopped by its own deadline.
	FlagTimedOut = "timed_out"
	// FlagUncaughtException marks a scanner that crashed or returned an
	// error.
	FlagUncaughtException = "uncaught_exception"
)

// HarnessConfig configures a scanner invocation harness.
type HarnessConfig struct {
	// DefaultTimeout bounds an invocation when the assignment options do
	// not set scanner_timeout.
	DefaultTimeout time.Duration
	// Uploader receives the bytes of extracted children.
	Uploader Uploader
	// Logger emits scanner failure diagnostics.
	Logger *slog.Logger
	// Clock times invocations.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *HarnessConfig) CheckAndSetDefaults() error {
	if c.Uploader == nil {
		return trace.BadParameter("missing parameter Uploader")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaults.ScannerTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.With(dissect.ComponentKey, dissect.ComponentScanner)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Harness runs scanners under their per-invocation deadline and keeps
// their failures contained: a slow or crashing scanner costs the file one
// result, never the pipeline.
type Harness struct {
	cfg HarnessConfig
}

// NewHarness returns a new invocation harness.
func NewHarness(cfg HarnessConfig) (*Harness, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Harness{cfg: cfg}, nil
}

// Result is one scanner's contribution to a file event.
type Result struct {
	// Key is the scanner's event key, see Key.
	Key string
	// Event is the composed result: elapsed and flags lead, indicators
	// follow, then the scanner's fields in insertion order.
	Event *events.Dict
	// Children are the files the scanner extracted, in extraction order.
	Children []*File
}

// Run invokes scanner on data under the deadline resolved from options
// and the configured default. ctx carries the outer distribution and
// request deadlines: when one of those fires mid-scan the error
// propagates to the caller, while a scanner-level timeout or crash is
// recorded on the returned result instead.
func (h *Harness) Run(ctx context.Context, scanner Scanner, data []byte, f *File, options Options, expireAt time.Time) (*Result, error) {
	timeout := h.cfg.DefaultTimeout
	if secs := options.Int("scanner_timeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	state := newState(scanner.Name(), h.cfg.Uploader, expireAt, h.cfg.Logger)
	scanCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrScannerTimeout)
	defer cancel()

	start := h.cfg.Clock.Now()
	done := make(chan error, 1)
	go func() {
		done <- h.runScan(scanCtx, scanner, state, data, f, options)
	}()

	var scanErr error
	select {
	case scanErr = <-done:
	case <-scanCtx.Done():
		scanErr = context.Cause(scanCtx)
	}
	elapsed := roundSeconds(h.cfg.Clock.Since(start))

	if scanErr != nil {
		// a cooperative scanner surfaces cancellation as a bare context
		// error, classify it by the cause
		if errors.Is(scanErr, context.DeadlineExceeded) || errors.Is(scanErr, context.Canceled) {
			if cause := context.Cause(scanCtx); cause != nil {
				scanErr = cause
			}
		}
		switch {
		case errors.Is(scanErr, ErrScannerTimeout):
			state.AddFlag(FlagTimedOut)
		case errors.Is(scanErr, ErrDistributionTimeout), errors.Is(scanErr, ErrRequestTimeout):
			return nil, trace.Wrap(scanErr)
		default:
			h.cfg.Logger.ErrorContext(ctx, "Scanner failed with unhandled error.",
				"scanner", scanner.Name(), "file", f.ID, "error", scanErr)
			state.AddFlag(FlagUncaughtException)
			// error text can span lines, the event record is a single line
			state.Set("exception", utils.NormalizeWhitespace(scanErr.Error()))
		}
	}

	event, children := state.seal(elapsed)
	return &Result{
		Key:      Key(scanner.Name()),
		Event:    event,
		Children: children,
	}, nil
}

// runScan converts a scanner panic into an error so one broken scanner
// cannot take down the worker.
func (h *Harness) runScan(ctx context.Context, scanner Scanner, state *State, data []byte, f *File, options Options) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = trace.Errorf("panic: %v", r)
		}
	}()
	return scanner.Scan(ctx, state, data, f, options)
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e6) / 1e6
}
