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

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/dissect/lib/config"
)

// parseMappings builds compiled scanner mappings from a yaml document.
func parseMappings(t *testing.T, doc string) config.ScannerMappings {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg.Scanners
}

func assignedNames(assignments []Assignment) []string {
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		names = append(names, a.Name)
	}
	return names
}

func TestAssignPriorityOrder(t *testing.T) {
	t.Parallel()
	mappings := parseMappings(t, `
scanners:
  ScanLow:
    - positive:
        flavors: ["*"]
      priority: 1
  ScanHigh:
    - positive:
        flavors: ["*"]
      priority: 9
  ScanMid:
    - positive:
        flavors: ["*"]
`)

	assignments := Assign(mappings, []string{"text/plain"}, "", "")
	require.Equal(t, []string{"ScanHigh", "ScanMid", "ScanLow"}, assignedNames(assignments))
}

func TestAssignTiesKeepConfigOrder(t *testing.T) {
	t.Parallel()
	mappings := parseMappings(t, `
scanners:
  ScanZulu:
    - positive:
        flavors: ["*"]
  ScanAlpha:
    - positive:
        flavors: ["*"]
  ScanMike:
    - positive:
        flavors: ["*"]
`)

	// all three share the default priority, document order decides
	assignments := Assign(mappings, nil, "", "")
	require.Equal(t, []string{"ScanZulu", "ScanAlpha", "ScanMike"}, assignedNames(assignments))
}

func TestAssignNegativeExcludes(t *testing.T) {
	t.Parallel()
	mappings := parseMappings(t, `
scanners:
  ScanPdf:
    - negative:
        flavors: ["application/zip"]
      positive:
        flavors: ["application/pdf"]
    - positive:
        flavors: ["*"]
`)

	// a negative match excludes the scanner outright, later rules are
	// not consulted
	assignments := Assign(mappings, []string{"application/zip", "application/pdf"}, "", "")
	require.Empty(t, assignments)

	assignments = Assign(mappings, []string{"application/pdf"}, "", "")
	require.Equal(t, []string{"ScanPdf"}, assignedNames(assignments))
}

func TestAssignRuleFallthrough(t *testing.T) {
	t.Parallel()
	mappings := parseMappings(t, `
scanners:
  ScanText:
    - positive:
        flavors: ["application/xml"]
      priority: 9
      options:
        mode: xml
    - positive:
        flavors: ["text/plain"]
      priority: 2
      options:
        mode: plain
`)

	// the first rule matches neither way, the second assigns
	assignments := Assign(mappings, []string{"text/plain"}, "", "")
	require.Len(t, assignments, 1)
	require.Equal(t, 2, assignments[0].Priority)
	require.Equal(t, "plain", assignments[0].Options.String("mode", ""))
}

func TestAssignFilenameAndSource(t *testing.T) {
	t.Parallel()
	mappings := parseMappings(t, `
scanners:
  ScanDocx:
    - positive:
        filename: '\.docx?$'
  ScanChild:
    - positive:
        source: '^ScanBase64$'
  ScanNotFromZip:
    - negative:
        source: '^ScanZip$'
      positive:
        flavors: ["*"]
`)

	assignments := Assign(mappings, nil, "report.docx", "ScanBase64")
	require.Equal(t, []string{"ScanDocx", "ScanChild", "ScanNotFromZip"}, assignedNames(assignments))

	assignments = Assign(mappings, nil, "report.pdf", "ScanZip")
	require.Empty(t, assignments)
}

func TestAssignNoMatch(t *testing.T) {
	t.Parallel()
	mappings := parseMappings(t, `
scanners:
  ScanPdf:
    - positive:
        flavors: ["application/pdf"]
`)

	require.Empty(t, Assign(mappings, []string{"text/plain"}, "", ""))
	require.Empty(t, Assign(mappings, nil, "", ""))
}
