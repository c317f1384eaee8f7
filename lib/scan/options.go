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

package scan

// Options carries the free-form per-assignment options from the scanner
// mapping configuration. Values come from YAML, the typed getters paper
// over the decoder's choice of numeric type.
type Options map[string]any

// Int returns the integer under key, or fallback when the key is absent
// or not numeric.
func (o Options) Int(key string, fallback int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// String returns the string under key, or fallback.
func (o Options) String(key, fallback string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return fallback
}

// Bool returns the boolean under key, or fallback.
func (o Options) Bool(key string, fallback bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return fallback
}

// Strings returns the string list under key, or nil. Lists decoded from
// YAML arrive as []any, both element layouts are handled.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
