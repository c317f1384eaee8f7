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
	"slices"
	"sync"
	"time"

	yaralib "github.com/hillu/go-yara/v4"

	"github.com/gravitational/dissect/lib/events"
	"github.com/gravitational/dissect/lib/scan"
	"github.com/gravitational/dissect/lib/taster"
)

func init() {
	scan.Register("ScanYara", func(cfg scan.FactoryConfig) (scan.Scanner, error) {
		return &Yara{rules: make(map[string]*yaralib.Rules)}, nil
	})
}

// yaraMatchTimeout bounds a single rule scan.
const yaraMatchTimeout = 30 * time.Second

// Yara matches a detection rule set against the file. The rule set comes
// from the assignment's location option and is compiled once per location
// for the lifetime of the worker.
type Yara struct {
	mu    sync.Mutex
	rules map[string]*yaralib.Rules
}

// Name returns the scanner's registered name.
func (*Yara) Name() string { return "ScanYara" }

// Scan matches the rules at the location option against data. Every match
// is recorded with its rule name and tags; the meta option lists the rule
// metadata identifiers to surface alongside, empty surfaces none.
func (y *Yara) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	location := options.String("location", "")
	if location == "" {
		state.AddFlag("no_rule_location")
		return nil
	}
	rules, err := y.rulesFor(location)
	if err != nil {
		state.AddFlag("compiling_error")
		state.Set("compile_error", err.Error())
		return nil
	}

	var matches yaralib.MatchRules
	if err := rules.ScanMem(data, 0, yaraMatchTimeout, &matches); err != nil {
		state.AddFlag("scanning_error")
		return nil
	}

	wantMeta := options.Strings("meta")
	found := make([]*events.Dict, 0, len(matches))
	for _, match := range matches {
		entry := events.NewDict().
			Set("name", match.Rule).
			Set("tags", match.Tags)
		meta := events.NewDict()
		for _, m := range match.Metas {
			if slices.Contains(wantMeta, m.Identifier) {
				meta.Set(m.Identifier, m.Value)
			}
		}
		if meta.Len() > 0 {
			entry.Set("meta", meta)
		}
		found = append(found, entry)
	}
	state.Set("matches", found)
	return nil
}

// rulesFor compiles and caches the rule set at location.
func (y *Yara) rulesFor(location string) (*yaralib.Rules, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if rules, ok := y.rules[location]; ok {
		return rules, nil
	}
	rules, err := taster.CompileRules(location)
	if err != nil {
		return nil, err
	}
	y.rules[location] = rules
	return rules, nil
}
