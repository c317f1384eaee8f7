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

// Package dissect contains constants shared across the dissect codebase.
package dissect

// Version is the semantic version of the dissect release.
const Version = "0.3.0"

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentBackend is the worker process that pops scan requests off the
	// coordinator and drives them through the scanner pipeline.
	ComponentBackend = "backend"

	// ComponentWorker is the request loop inside the backend.
	ComponentWorker = "backend:worker"

	// ComponentDispatch is the per-file dispatcher.
	ComponentDispatch = "backend:dispatch"

	// ComponentCoordinator is the Redis coordinator client.
	ComponentCoordinator = "coordinator"

	// ComponentTaster is the flavor taster.
	ComponentTaster = "taster"

	// ComponentScanner is the scanner invocation harness.
	ComponentScanner = "scanner"

	// ComponentSubmit is the one-shot submission client.
	ComponentSubmit = "submit"
)

const (
	// DebugEnvVar tells tests and the CLI to enable verbose debug output.
	DebugEnvVar = "DISSECT_DEBUG"
)
