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

	"github.com/gravitational/dissect/lib/scan"
)

func init() {
	scan.Register("ScanHeader", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Header{}, nil
	})
	scan.Register("ScanFooter", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Footer{}, nil
	})
}

// defaultEdgeLength is how many bytes Header and Footer keep when the
// length option is unset.
const defaultEdgeLength = 50

// Header records the first bytes of the file.
type Header struct{}

// Name returns the scanner's registered name.
func (*Header) Name() string { return "ScanHeader" }

func (*Header) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	length := options.Int("length", defaultEdgeLength)
	if length > len(data) {
		length = len(data)
	}
	state.Set("header", data[:length])
	return nil
}

// Footer records the last bytes of the file.
type Footer struct{}

// Name returns the scanner's registered name.
func (*Footer) Name() string { return "ScanFooter" }

func (*Footer) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	length := options.Int("length", defaultEdgeLength)
	if length > len(data) {
		length = len(data)
	}
	state.Set("footer", data[len(data)-length:])
	return nil
}
