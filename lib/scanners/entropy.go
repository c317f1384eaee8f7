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
	"math"

	"github.com/gravitational/dissect/lib/scan"
)

func init() {
	scan.Register("ScanEntropy", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Entropy{}, nil
	})
}

// Entropy measures how random the file's bytes look. Packed or encrypted
// payloads sit near 8 bits per byte, plain text well below.
type Entropy struct{}

// Name returns the scanner's registered name.
func (*Entropy) Name() string { return "ScanEntropy" }

// Scan records the Shannon entropy of data in bits per byte.
func (*Entropy) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	state.Set("entropy", shannon(data))
	return nil
}

func shannon(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	var entropy float64
	for _, count := range counts {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
