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
	scan.Register("ScanURL", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &URL{}, nil
	})
}

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s"'<>\x00-\x1f]+`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// URL extracts network indicators embedded in the file's bytes and records
// them both as result fields and as validated indicators.
type URL struct{}

// Name returns the scanner's registered name.
func (*URL) Name() string { return "ScanURL" }

// Scan records the urls and email addresses found in data. Extracted
// values also go through indicator validation, so the indicator list only
// carries the well-formed subset.
func (*URL) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	urls := dedupe(urlPattern.FindAll(data, -1))
	emails := dedupe(emailPattern.FindAll(data, -1))

	state.Set("urls", urls)
	state.Set("emails", emails)
	state.AddIOCs(urls, scan.IOCURL)
	state.AddIOCs(emails, scan.IOCEmail)
	return nil
}

// dedupe converts matches to strings dropping duplicates, first occurrence
// order preserved.
func dedupe(matches [][]byte) []string {
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		s := string(match)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
