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

package config

import (
	"regexp"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// DefaultRulePriority is assumed when a mapping rule does not set one.
const DefaultRulePriority = 5

// FlavorWildcard matches any flavor set in a positive condition.
const FlavorWildcard = "*"

// ScannerMappings is the ordered scanner section of the configuration.
// YAML mappings are unordered by default, a custom decoder keeps document
// order because equal-priority assignments tie-break on it.
type ScannerMappings []ScannerMapping

// UnmarshalYAML decodes the scanners mapping preserving document order.
func (m *ScannerMappings) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return trace.BadParameter("scanners must be a mapping of scanner name to rule list")
	}
	// a yaml mapping node holds its keys and values interleaved
	for i := 0; i+1 < len(node.Content); i += 2 {
		var mapping ScannerMapping
		if err := node.Content[i].Decode(&mapping.Name); err != nil {
			return trace.Wrap(err)
		}
		if err := node.Content[i+1].Decode(&mapping.Rules); err != nil {
			return trace.Wrap(err, "decoding rules of scanner %q", mapping.Name)
		}
		*m = append(*m, mapping)
	}
	return nil
}

// ScannerMapping is the ordered rule list of one scanner.
type ScannerMapping struct {
	// Name is the scanner's registered name, e.g. "ScanHash".
	Name string
	// Rules are evaluated in order, first match wins.
	Rules []MappingRule
}

// CheckAndSetDefaults checks and sets default values.
func (m *ScannerMapping) CheckAndSetDefaults() error {
	if m.Name == "" {
		return trace.BadParameter("scanner mapping is missing a name")
	}
	if len(m.Rules) == 0 {
		return trace.BadParameter("scanner %q has no mapping rules", m.Name)
	}
	for i := range m.Rules {
		if err := m.Rules[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "scanner %q rule %v", m.Name, i)
		}
	}
	return nil
}

// MappingRule decides whether a scanner is assigned to a file. Negative
// conditions exclude the scanner outright, positive conditions assign it
// with the rule's priority and options.
type MappingRule struct {
	// Positive assigns the scanner when it matches.
	Positive MatchSpec `yaml:"positive"`
	// Negative excludes the scanner when it matches.
	Negative MatchSpec `yaml:"negative"`
	// Priority orders assignments, higher runs earlier.
	Priority int `yaml:"priority"`
	// Options is passed through to the scanner invocation.
	Options map[string]any `yaml:"options"`
}

// UnmarshalYAML decodes a rule, assuming the default priority when the
// document does not set one.
func (r *MappingRule) UnmarshalYAML(node *yaml.Node) error {
	type rawRule MappingRule
	raw := rawRule{Priority: DefaultRulePriority}
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	*r = MappingRule(raw)
	return nil
}

// CheckAndSetDefaults checks and sets default values.
func (r *MappingRule) CheckAndSetDefaults() error {
	if r.Positive.Empty() && r.Negative.Empty() {
		return trace.BadParameter("rule has neither a positive nor a negative condition")
	}
	if err := r.Positive.compile(); err != nil {
		return trace.Wrap(err, "positive condition")
	}
	if err := r.Negative.compile(); err != nil {
		return trace.Wrap(err, "negative condition")
	}
	return nil
}

// MatchSpec is one side of a mapping rule condition.
type MatchSpec struct {
	// Flavors matches any of the listed flavor tags. The wildcard "*"
	// matches every flavor set.
	Flavors []string `yaml:"flavors"`
	// Filename matches the file's name by regular expression.
	Filename string `yaml:"filename"`
	// Source matches the producing scanner's name by regular expression.
	Source string `yaml:"source"`

	filenameRegexp *regexp.Regexp
	sourceRegexp   *regexp.Regexp
}

// compile pre-compiles the condition's regular expressions. An invalid
// expression is a configuration error.
func (s *MatchSpec) compile() error {
	var err error
	if s.Filename != "" {
		if s.filenameRegexp, err = regexp.Compile(s.Filename); err != nil {
			return trace.BadParameter("invalid filename regexp %q: %v", s.Filename, err)
		}
	}
	if s.Source != "" {
		if s.sourceRegexp, err = regexp.Compile(s.Source); err != nil {
			return trace.BadParameter("invalid source regexp %q: %v", s.Source, err)
		}
	}
	return nil
}

// Empty reports whether the condition matches nothing.
func (s *MatchSpec) Empty() bool {
	return len(s.Flavors) == 0 && s.Filename == "" && s.Source == ""
}

// Matches reports whether the condition holds for a file with the given
// flavor set, name and source.
func (s *MatchSpec) Matches(flavors map[string]struct{}, filename, source string) bool {
	for _, flavor := range s.Flavors {
		if flavor == FlavorWildcard {
			return true
		}
		if _, ok := flavors[flavor]; ok {
			return true
		}
	}
	if s.filenameRegexp != nil && filename != "" && s.filenameRegexp.MatchString(filename) {
		return true
	}
	if s.sourceRegexp != nil && source != "" && s.sourceRegexp.MatchString(source) {
		return true
	}
	return false
}
