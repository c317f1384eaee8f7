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

// Package scan defines the scanner contract and the harness that runs
// scanners against files under per-invocation deadlines.
package scan

import (
	"context"
	"strings"
	"time"

	"github.com/gravitational/dissect/lib/utils"
)

// Scanner analyzes one file's bytes and records findings on the
// invocation State. Instances are constructed once per worker and reused
// across files, so all per-invocation output must go through the State.
type Scanner interface {
	// Name returns the scanner's stable identifier, e.g. "ScanHash".
	Name() string
	// Scan analyzes data and records fields, flags, indicators and
	// extracted children on state. Blocking work must honor ctx. A
	// returned error is captured on this scanner's result and never
	// fails the file.
	Scan(ctx context.Context, state *State, data []byte, f *File, options Options) error
}

// Initializer is implemented by scanners that need one-time setup. The
// registry calls Init once, right after the instance is constructed.
type Initializer interface {
	Init() error
}

// Uploader streams extracted child bytes into the blob store so the
// dispatcher can drain them when the child is processed.
type Uploader interface {
	// AppendData appends one chunk under pointer and extends the
	// pointer's TTL to expireAt.
	AppendData(ctx context.Context, pointer string, chunk []byte, expireAt time.Time) error
}

// Key derives a scanner's event key from its name: the Scan prefix is
// dropped and the rest is snake-cased. ScanBase64PE keys its results
// under base64_pe.
func Key(name string) string {
	return utils.Underscore(strings.TrimPrefix(name, "Scan"))
}
