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
	"bytes"
	"context"
	"io"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/zlib"

	"github.com/gravitational/dissect/lib/scan"
)

func init() {
	scan.Register("ScanZlib", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Zlib{}, nil
	})
}

// Zlib decompresses a zlib payload into a child file.
type Zlib struct{}

// Name returns the scanner's registered name.
func (*Zlib) Name() string { return "ScanZlib" }

// Scan decompresses data and extracts the result.
func (*Zlib) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		state.AddFlag("not_zlib_compressed")
		return nil
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		state.AddFlag("not_zlib_compressed")
		return nil
	}
	state.Set("size", len(decompressed))

	child := scan.NewFile(scan.WithSource("ScanZlib"))
	if err := state.Upload(ctx, child.Pointer, decompressed); err != nil {
		return trace.Wrap(err)
	}
	state.AddChild(child)
	return nil
}
