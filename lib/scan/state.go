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
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/dissect/lib/defaults"
	"github.com/gravitational/dissect/lib/events"
	"github.com/gravitational/dissect/lib/utils"
)

// State accumulates the output of a single scanner invocation: result
// fields, flags, indicators and extracted children. The harness hands a
// fresh State to every invocation and seals it when the invocation ends,
// so a scanner that outlives its deadline cannot corrupt the composed
// result. Scanners must not retain the State across calls.
type State struct {
	scanner  string
	uploader Uploader
	expireAt time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	sealed   bool
	event    *events.Dict
	flags    []string
	children []*File
	iocs     []IOC
}

func newState(scanner string, uploader Uploader, expireAt time.Time, logger *slog.Logger) *State {
	return &State{
		scanner:  scanner,
		uploader: uploader,
		expireAt: expireAt,
		logger:   logger,
		event:    events.NewDict(),
	}
}

// Set records a result field. Fields keep their insertion order through
// event formatting.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.event.Set(key, value)
}

// AddFlag appends a short tag describing a notable condition the scanner
// hit, e.g. truncation or a decode failure.
func (s *State) AddFlag(flag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.flags = append(s.flags, flag)
}

// AddChild appends an extracted file. The dispatcher scans children after
// the current file's event is emitted.
func (s *State) AddChild(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.children = append(s.children, f)
}

// Upload streams data into the blob store under pointer in fixed-size
// chunks, each carrying the request's expiry. Call it before AddChild so
// the child's bytes are in place when the dispatcher reaches it.
func (s *State) Upload(ctx context.Context, pointer string, data []byte) error {
	for _, chunk := range utils.Chunks(data, defaults.UploadChunkSize) {
		if err := s.uploader.AppendData(ctx, pointer, chunk, s.expireAt); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// seal freezes the state and composes the scanner's result: elapsed and
// flags lead, indicators follow, then the scanner's fields in insertion
// order. Writes arriving after seal are dropped.
func (s *State) seal(elapsedSeconds float64) (*events.Dict, []*File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true

	result := events.NewDict().
		Set("elapsed", elapsedSeconds).
		Set("flags", s.flags).
		Set("iocs", s.iocs)
	for _, key := range s.event.Keys() {
		value, _ := s.event.Get(key)
		result.Set(key, value)
	}
	return result, s.children
}
