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

// Package defaults contains default constants set in various parts of the
// dissect codebase.
package defaults

import "time"

const (
	// CoordinatorAddr is the address of the coordinator Redis instance
	// used when the configuration does not set one.
	CoordinatorAddr = "127.0.0.1:6379"

	// CoordinatorPoolSize is the connection pool size of the coordinator
	// client.
	CoordinatorPoolSize = 100

	// CoordinatorReadTimeout is how long a single coordinator read may
	// block before the client gives up on the connection.
	CoordinatorReadTimeout = 10 * time.Second

	// QueuePollInterval is how long the worker sleeps between polls of an
	// empty task queue.
	QueuePollInterval = 250 * time.Millisecond

	// ScannerTimeout bounds a single scanner invocation.
	ScannerTimeout = 10 * time.Second

	// DistributionTimeout bounds the distribution of one file through its
	// full scanner list.
	DistributionTimeout = 600 * time.Second

	// MaxDepth is the deepest level of extracted children the dispatcher
	// will descend to.
	MaxDepth = 15

	// UploadChunkSize is the size of byte chunks pushed to the coordinator
	// when submitting file data.
	UploadChunkSize = 16 * 1024

	// DiagServiceTimeout bounds graceful shutdown of the diagnostic HTTP
	// service.
	DiagServiceTimeout = 10 * time.Second

	// FinalizeTimeout bounds the append of a stream terminator after the
	// request context is gone.
	FinalizeTimeout = 5 * time.Second

	// FinalizeGrace keeps a finished stream readable slightly past its
	// request deadline so a consumer blocked on it can still observe the
	// terminator.
	FinalizeGrace = 30 * time.Second
)
