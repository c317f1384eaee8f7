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
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/gravitational/dissect/lib/scan"
)

func init() {
	scan.Register("ScanHash", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Hash{}, nil
	})
}

// Hash digests the file with the hash functions downstream consumers pivot
// on.
type Hash struct{}

// Name returns the scanner's registered name.
func (*Hash) Name() string { return "ScanHash" }

// Scan records md5, sha1, sha256 and xxhash64 hex digests of data.
func (*Hash) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	md5sum := md5.Sum(data)
	sha1sum := sha1.Sum(data)
	sha256sum := sha256.Sum256(data)
	state.Set("md5", hex.EncodeToString(md5sum[:]))
	state.Set("sha1", hex.EncodeToString(sha1sum[:]))
	state.Set("sha256", hex.EncodeToString(sha256sum[:]))
	state.Set("xxhash64", fmt.Sprintf("%016x", xxhash.Sum64(data)))
	return nil
}
