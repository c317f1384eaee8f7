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

package scanners

import (
	"context"
	"regexp"

	"github.com/gravitational/dissect/lib/scan"
)

func init() {
	scan.Register("ScanStrings", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Strings{}, nil
	})
}

// printableRun matches runs of at least four printable ASCII bytes.
var printableRun = regexp.MustCompile(`[\x20-\x7e]{4,}`)

// Strings extracts printable ASCII runs, the classic triage first look at
// an unknown binary.
type Strings struct{}

// Name returns the scanner's registered name.
func (*Strings) Name() string { return "ScanStrings" }

// Scan records the printable runs found in data. The limit option caps how
// many are kept, 0 keeps all of them.
func (*Strings) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	limit := options.Int("limit", 0)
	matches := printableRun.FindAll(data, -1)
	if limit > 0 && len(matches) > limit {
		state.AddFlag("truncated")
		matches = matches[:limit]
	}
	found := make([]string, 0, len(matches))
	for _, match := range matches {
		found = append(found, string(match))
	}
	state.Set("strings", found)
	return nil
}
