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

// Package utils contains small helpers shared across the dissect codebase.
package utils

import (
	"regexp"
	"strings"
)

// Chunks splits b into subslices of at most size bytes, preserving order.
// The subslices alias b, no bytes are copied. A nil or empty input yields
// no chunks.
func Chunks(b []byte, size int) [][]byte {
	if size <= 0 || len(b) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(b)+size-1)/size)
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		chunks = append(chunks, b[:n:n])
		b = b[n:]
	}
	return chunks
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// NormalizeWhitespace collapses every whitespace run in text to a single
// space and trims leading and trailing whitespace. Multi-line text destined
// for a single-line event record goes through it first.
func NormalizeWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

var (
	underscoreBoundary = regexp.MustCompile(`([A-Z\d]+)([A-Z][a-z])`)
	underscoreLower    = regexp.MustCompile(`([a-z\d])([A-Z])`)
)

// Underscore converts a CamelCase identifier to snake_case, keeping runs of
// capitals together: "Base64PE" becomes "base64_pe" and "HeaderFooter"
// becomes "header_footer".
func Underscore(name string) string {
	s := underscoreBoundary.ReplaceAllString(name, "${1}_${2}")
	s = underscoreLower.ReplaceAllString(s, "${1}_${2}")
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ToLower(s)
}

// ASCIIWhitespace is the set of ASCII whitespace bytes stripped from file
// data before rule tasting.
const ASCIIWhitespace = " \t\n\v\f\r"
