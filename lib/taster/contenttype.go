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

package taster

import (
	"bytes"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// customSignature is one entry of the custom content type database: files
// starting with Prefix are tagged Mime.
type customSignature struct {
	Mime      string `yaml:"mime"`
	Extension string `yaml:"extension"`
	Prefix    string `yaml:"prefix"`
}

// extendContentTypes registers the custom signatures at path on top of the
// built-in detector. Registration is process wide and happens once at
// worker startup.
func extendContentTypes(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	var signatures []customSignature
	if err := yaml.Unmarshal(data, &signatures); err != nil {
		return trace.Wrap(err, "parsing content type database %v", path)
	}
	for i, sig := range signatures {
		if sig.Mime == "" || sig.Prefix == "" {
			return trace.BadParameter("content type signature %v of %v is missing mime or prefix", i, path)
		}
		prefix := []byte(sig.Prefix)
		mimetype.Extend(func(raw []byte, _ uint32) bool {
			return bytes.HasPrefix(raw, prefix)
		}, sig.Mime, sig.Extension)
	}
	return nil
}
