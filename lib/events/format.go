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

package events

import (
	"encoding/json"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/gravitational/trace"
)

// Format normalizes event and serializes it as a single-line JSON record.
// Normalization walks the value bottom-up: byte slices become UTF-8 text
// with invalid sequences replaced, and empty strings, empty lists, empty
// maps and nils are pruned. Key order of Dict values survives
// serialization.
func Format(event any) ([]byte, error) {
	normalized, keep := normalize(event)
	if !keep {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, trace.Wrap(err, "serializing event")
	}
	return out, nil
}

// normalize returns the normalized form of v and whether v survives
// pruning. Children are normalized before their parent is judged, so a
// container whose members all prune away is itself pruned.
func normalize(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case []byte:
		s := toUTF8(val)
		return s, s != ""
	case string:
		return val, val != ""
	case *Dict:
		if val == nil {
			return nil, false
		}
		out := NewDict()
		for _, key := range val.keys {
			if nv, keep := normalize(val.values[key]); keep {
				out.Set(key, nv)
			}
		}
		return out, out.Len() > 0
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, value := range val {
			if nv, keep := normalize(value); keep {
				out[key] = nv
			}
		}
		return out, len(out) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if nv, keep := normalize(rv.Index(i).Interface()); keep {
				out = append(out, nv)
			}
		}
		return out, len(out) > 0
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, ok := iter.Key().Interface().(string)
			if !ok {
				continue
			}
			if nv, keep := normalize(iter.Value().Interface()); keep {
				out[key] = nv
			}
		}
		return out, len(out) > 0
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, false
		}
	}

	// numbers, booleans and everything else pass through untouched
	return v, true
}

// toUTF8 decodes b as UTF-8, substituting the replacement character for
// every invalid byte.
func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
			b = b[1:]
			continue
		}
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}
