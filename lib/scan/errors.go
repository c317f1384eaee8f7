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
)

// The engine runs under three nested deadlines. Each is installed as a
// context cancellation cause so the layer that owns it can tell which one
// fired: a scanner timeout is contained by the invocation harness, a
// distribution timeout is contained by the dispatcher, and a request
// timeout travels all the way up to the worker loop.
var (
	// ErrScannerTimeout bounds a single scanner invocation.
	ErrScannerTimeout = errors.New("scanner deadline exceeded")

	// ErrDistributionTimeout bounds the processing of a single file.
	ErrDistributionTimeout = errors.New("distribution deadline exceeded")

	// ErrRequestTimeout bounds the whole request tree.
	ErrRequestTimeout = errors.New("request deadline exceeded")
)

// DeadlineCause returns the cancellation cause of ctx, or nil if ctx is
// still live. When a context in the deadline chain expires, the cause
// identifies which deadline fired.
func DeadlineCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
