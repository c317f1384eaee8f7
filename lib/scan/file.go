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

import "github.com/google/uuid"

// Flavor sources. A file's flavors are grouped by where they came from:
// attached by the producing scanner, derived from the content type, or
// matched by the tasting rules.
const (
	FlavorExternal    = "external"
	FlavorContentType = "content-type"
	FlavorRule        = "rule"
)

// File is one node in a request's decomposition tree. It carries metadata
// only, the file's bytes live in the blob store under Pointer.
type File struct {
	// ID uniquely identifies the file within the process.
	ID string
	// Pointer names the blob store key holding the file's bytes. At the
	// root of a request it equals the request id, for extracted children
	// it defaults to ID.
	Pointer string
	// Depth is how deep the file was embedded, 0 at the root.
	Depth int
	// Parent is the ID of the producing file, empty at the root.
	Parent string
	// Name is an optional human label.
	Name string
	// Source names the scanner that extracted this file, empty at the
	// root.
	Source string
	// Flavors groups flavor tags by source.
	Flavors map[string][]string
}

// FileOption configures a new File.
type FileOption func(*File)

// WithPointer sets the blob store key of the file's bytes.
func WithPointer(pointer string) FileOption {
	return func(f *File) { f.Pointer = pointer }
}

// WithName sets the file's human label.
func WithName(name string) FileOption {
	return func(f *File) { f.Name = name }
}

// WithSource records the scanner the file originated from.
func WithSource(source string) FileOption {
	return func(f *File) { f.Source = source }
}

// WithExternalFlavors pre-attaches external flavor tags, letting the
// producing scanner steer which scanners its child is routed to.
func WithExternalFlavors(flavors ...string) FileOption {
	return func(f *File) {
		f.AddFlavors(map[string][]string{FlavorExternal: flavors})
	}
}

// NewFile creates a File with a fresh identity. The pointer defaults to
// the identity when not supplied.
func NewFile(opts ...FileOption) *File {
	f := &File{
		ID:      uuid.NewString(),
		Flavors: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.Pointer == "" {
		f.Pointer = f.ID
	}
	return f
}

// AddFlavors merges per-source flavor tags into the file. A source already
// present is overwritten.
func (f *File) AddFlavors(flavors map[string][]string) {
	if f.Flavors == nil {
		f.Flavors = make(map[string][]string)
	}
	for source, tags := range flavors {
		f.Flavors[source] = tags
	}
}

// AllFlavors returns the union of the file's flavor tags in source order
// external, content-type, rule. Assignment rules match against this set.
func (f *File) AllFlavors() []string {
	var out []string
	out = append(out, f.Flavors[FlavorExternal]...)
	out = append(out, f.Flavors[FlavorContentType]...)
	out = append(out, f.Flavors[FlavorRule]...)
	return out
}
