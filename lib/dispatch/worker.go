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
	"github.com/gravitational/dissect/lib/coordinator"
	"github.com/gravitational/dissect/lib/defaults"
	"github.com/gravitational/dissect/lib/scan"
	"github.com/gravitational/dissect/lib/utils"
)

// TaskQueue pops pending scan requests.
type TaskQueue interface {
	// PopTask removes and returns the earliest-deadline request, or a
	// not found error when the queue is empty.
	PopTask(ctx context.Context) (*coordinator.Task, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Queue is the shared task queue.
	Queue TaskQueue
	// Events receives stream terminators.
	Events EventSink
	// Dispatcher processes popped requests.
	Dispatcher *Dispatcher
	// PollInterval is how long to sleep when the queue is empty.
	PollInterval time.Duration
	// TimeToLive is the worker's own lifetime budget, 0 means unlimited.
	TimeToLive time.Duration
	// MaxFiles is how many requests to handle before exiting, 0 means
	// unlimited.
	MaxFiles int
	// Logger emits worker diagnostics.
	Logger *slog.Logger
	// Clock paces the poll loop and the worker budget.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *WorkerConfig) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Events == nil {
		return trace.BadParameter("missing parameter Events")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.QueuePollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.With(dissect.ComponentKey, dissect.ComponentWorker)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Worker is the request loop of a backend process: it pops tasks off the
// shared queue, installs the request deadline, hands the root file to the
// dispatcher and terminates the request's event stream. Workers scale
// horizontally, each request is handled by exactly one worker.
type Worker struct {
	cfg  WorkerConfig
	poll utils.Retry
}

// NewWorker returns a new Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(collectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	// jittered so a fleet of idle workers does not hammer the queue in
	// lockstep
	poll, err := utils.NewLinear(utils.LinearConfig{
		First:  cfg.PollInterval,
		Step:   cfg.PollInterval,
		Max:    8 * cfg.PollInterval,
		Jitter: utils.NewHalfJitter(),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{cfg: cfg, poll: poll}, nil
}

// Run handles requests until the worker budget is exhausted or ctx is
// canceled. The returned error is nil on every orderly stop.
func (w *Worker) Run(ctx context.Context) error {
	started := w.cfg.Clock.Now()
	handled := 0
	w.cfg.Logger.InfoContext(ctx, "Worker starting.",
		"max_files", w.cfg.MaxFiles, "time_to_live", w.cfg.TimeToLive)
	defer func() {
		w.cfg.Logger.InfoContext(ctx, "Worker stopping.",
			"handled", handled, "elapsed", w.cfg.Clock.Since(started))
	}()

	for {
		if w.cfg.MaxFiles > 0 && handled >= w.cfg.MaxFiles {
			w.cfg.Logger.InfoContext(ctx, "Request budget exhausted.", "handled", handled)
			return nil
		}
		if w.cfg.TimeToLive > 0 && w.cfg.Clock.Since(started) >= w.cfg.TimeToLive {
			w.cfg.Logger.InfoContext(ctx, "Lifetime budget exhausted.", "elapsed", w.cfg.Clock.Since(started))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		task, err := w.cfg.Queue.PopTask(ctx)
		switch {
		case trace.IsNotFound(err):
			w.sleep(ctx)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.cfg.Logger.ErrorContext(ctx, "Failed to pop task.", "error", err)
			w.sleep(ctx)
			continue
		}
		w.poll.Reset()
		tasksPopped.Inc()

		if w.handle(ctx, task) {
			handled++
		}
	}
}

// handle processes one popped task end to end and reports whether the
// task counted against the worker's request budget. A task whose deadline
// has already passed is dropped uncounted, every other task gets its
// stream terminated exactly once, whatever happened during dispatch.
func (w *Worker) handle(ctx context.Context, task *coordinator.Task) bool {
	timeout := task.ExpireAt.Sub(w.cfg.Clock.Now())
	if timeout <= 0 {
		tasksExpired.Inc()
		w.cfg.Logger.WarnContext(ctx, "Dropping task past its deadline.",
			"task", task.Pointer, "expired_at", task.ExpireAt)
		return false
	}
	w.cfg.Logger.InfoContext(ctx, "Handling scan request.",
		"task", task.Pointer, "timeout", timeout.Round(time.Second))
	started := w.cfg.Clock.Now()

	reqCtx, cancel := context.WithDeadlineCause(ctx, task.ExpireAt, scan.ErrRequestTimeout)
	root := scan.NewFile(scan.WithPointer(task.Pointer))
	err := w.cfg.Dispatcher.Dispatch(reqCtx, task.Pointer, root, task.ExpireAt)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, scan.ErrRequestTimeout):
		w.cfg.Logger.WarnContext(ctx, "Request deadline exceeded, aborting dispatch.",
			"task", task.Pointer)
	default:
		w.cfg.Logger.ErrorContext(ctx, "Dispatch failed.", "task", task.Pointer, "error", err)
	}

	w.finalize(ctx, task)
	requestSeconds.Observe(w.cfg.Clock.Since(started).Seconds())
	return true
}

// finalize appends the stream terminator. The request context is likely
// gone by now, so the append runs on its own short budget, and a stream
// that ran to its deadline keeps a grace period so a blocked consumer can
// still observe the terminator.
func (w *Worker) finalize(ctx context.Context, task *coordinator.Task) {
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.FinalizeTimeout)
	defer cancel()

	expireAt := task.ExpireAt
	if grace := w.cfg.Clock.Now().Add(defaults.FinalizeGrace); expireAt.Before(grace) {
		expireAt = grace
	}
	if err := w.cfg.Events.Finalize(finCtx, task.Pointer, expireAt); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "Failed to finalize event stream.",
			"task", task.Pointer, "error", err)
	}
}

// sleep backs the poll loop off one step, or less if ctx ends first.
func (w *Worker) sleep(ctx context.Context) {
	w.poll.Inc()
	select {
	case <-w.poll.After():
	case <-ctx.Done():
	}
}
