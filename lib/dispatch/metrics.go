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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksPopped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dissect_tasks_popped_total",
		Help: "Number of scan requests popped off the task queue",
	})

	tasksExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dissect_tasks_expired_total",
		Help: "Number of scan requests skipped because their deadline had already passed",
	})

	filesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dissect_files_dispatched_total",
		Help: "Number of files driven through the scanner pipeline",
	})

	filesDroppedDepth = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dissect_files_dropped_depth_total",
		Help: "Number of extracted files discarded for exceeding the depth limit",
	})

	eventsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dissect_events_emitted_total",
		Help: "Number of file events appended to request streams",
	})

	scannersMissing = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dissect_scanners_missing_total",
		Help: "Number of assignments skipped because the scanner is not registered",
	})

	scanSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dissect_scan_duration_seconds",
		Help:    "Duration of individual scanner invocations",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"scanner"})

	requestSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dissect_request_duration_seconds",
		Help:    "Duration of complete request dispatches, finalization included",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	collectors = []prometheus.Collector{
		tasksPopped,
		tasksExpired,
		filesDispatched,
		filesDroppedDepth,
		eventsEmitted,
		scannersMissing,
		scanSeconds,
		requestSeconds,
	}
)
