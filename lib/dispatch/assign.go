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

// Package dispatch drives scan requests through the pipeline: it selects
// scanners for each file, runs them, emits the resulting events and
// recurses into extracted children.
package dispatch

import (
	"sort"

	"github.com/gravitational/dissect/lib/config"
	"github.com/gravitational/dissect/lib/scan"
)

// Assignment is one scanner selected to run against a file.
type Assignment struct {
	// Name is the scanner's registered name.
	Name string
	// Priority orders the file's assignments, higher runs earlier.
	Priority int
	// Options is handed to the scanner invocation.
	Options scan.Options
}

// Assign selects the scanners to run against a file with the given flavor
// set, name and source. Per scanner, rules are evaluated in order: a
// matching negative condition excludes the scanner outright, a matching
// positive condition assigns it with the rule's priority and options, and
// a rule matching neither way defers to the next rule. The result is
// ordered by descending priority, equal priorities keep configuration
// order.
func Assign(mappings config.ScannerMappings, flavors []string, filename, source string) []Assignment {
	flavorSet := make(map[string]struct{}, len(flavors))
	for _, flavor := range flavors {
		flavorSet[flavor] = struct{}{}
	}

	var assignments []Assignment
	for _, mapping := range mappings {
		for _, rule := range mapping.Rules {
			if rule.Negative.Matches(flavorSet, filename, source) {
				break
			}
			if rule.Positive.Matches(flavorSet, filename, source) {
				assignments = append(assignments, Assignment{
					Name:     mapping.Name,
					Priority: rule.Priority,
					Options:  scan.Options(rule.Options),
				})
				break
			}
		}
	}

	sort.SliceStable(assignments, func(i, j int) bool {
		return assignments[i].Priority > assignments[j].Priority
	})
	return assignments
}
