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
	"encoding/base64"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/dissect/lib/scan"
)

func init() {
	scan.Register("ScanBase64", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Base64{}, nil
	})
}

// decodedHeaderLength is how much of the decoded payload is surfaced on
// the result for a quick look.
const decodedHeaderLength = 50

// Base64 decodes a payload that is base64 from end to end and hands the
// decoded bytes back to the dispatcher as a child file.
type Base64 struct{}

// Name returns the scanner's registered name.
func (*Base64) Name() string { return "ScanBase64" }

// Scan decodes data and extracts the result. A payload that does not
// decode is flagged, not failed: the mapping may route this scanner
// speculatively.
func (*Base64) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	compact := strings.Join(strings.Fields(string(data)), "")
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		if decoded, err = base64.RawStdEncoding.DecodeString(compact); err != nil {
			state.AddFlag("not_decodable_from_base64")
			return nil
		}
	}

	header := decoded
	if len(header) > decodedHeaderLength {
		header = header[:decodedHeaderLength]
	}
	state.Set("decoded_size", len(decoded))
	state.Set("decoded_header", header)

	child := scan.NewFile(scan.WithSource("ScanBase64"))
	if err := state.Upload(ctx, child.Pointer, decoded); err != nil {
		return trace.Wrap(err)
	}
	state.AddChild(child)
	return nil
}
