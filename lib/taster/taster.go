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

// Package taster classifies raw file bytes into flavor tags: one
// content-type tag per file plus any number of rule-matched tags. The
// dispatcher routes scanners by these tags.
package taster

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gravitational/trace"
	"github.com/hillu/go-yara/v4"

	"github.com/gravitational/dissect"
	"github.com/gravitational/dissect/lib/utils"
)

// matchTimeout bounds a single rule scan. Tasting runs on every file the
// dispatcher touches, a pathological input must not stall the pipeline.
const matchTimeout = 30 * time.Second

// Config configures a Taster.
type Config struct {
	// ContentTypeDB optionally points to a YAML file of custom content
	// type signatures registered on top of the built-in set.
	ContentTypeDB string
	// Rules points to a tasting rule file or a directory tree of them.
	// Empty disables rule tasting.
	Rules string
	// Logger emits tasting diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.With(dissect.ComponentKey, dissect.ComponentTaster)
	}
	return nil
}

// Taster derives flavor tags from file bytes. The compiled rule set is
// immutable after construction, a Taster is safe for concurrent use.
type Taster struct {
	cfg   Config
	rules *yara.Rules
}

// New builds a Taster, loading custom content type signatures and
// compiling the tasting rules. A rule set that fails to compile is fatal:
// a worker that cannot taste would route every file wrong.
func New(cfg Config) (*Taster, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ContentTypeDB != "" {
		if err := extendContentTypes(cfg.ContentTypeDB); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	t := &Taster{cfg: cfg}
	if cfg.Rules != "" {
		rules, err := CompileRules(cfg.Rules)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		t.rules = rules
	}
	return t, nil
}

// TasteContentType returns exactly one content type tag for data, with
// any media type parameters stripped: "text/plain", never
// "text/plain; charset=utf-8".
func (t *Taster) TasteContentType(data []byte) []string {
	tag := mimetype.Detect(data).String()
	if i := strings.IndexByte(tag, ';'); i >= 0 {
		tag = strings.TrimSpace(tag[:i])
	}
	return []string{tag}
}

// TasteRules returns the names of the tasting rules matching data. Data is
// left-stripped of ASCII whitespace first so that rules anchored to the
// start of the file fire on padded payloads too.
func (t *Taster) TasteRules(data []byte) ([]string, error) {
	if t.rules == nil {
		return nil, nil
	}
	stripped := bytes.TrimLeft(data, utils.ASCIIWhitespace)

	var matches yara.MatchRules
	if err := t.rules.ScanMem(stripped, 0, matchTimeout, &matches); err != nil {
		return nil, trace.Wrap(err, "matching tasting rules")
	}
	tags := make([]string, 0, len(matches))
	for _, match := range matches {
		tags = append(tags, match.Rule)
	}
	return tags, nil
}

// RulePattern selects the rule files compiled from a rules directory.
const RulePattern = "**/*.yar*"

// CompileRules compiles the rule file or directory at path into a single
// rule set. Directory trees are enumerated recursively, each file compiled
// under its own namespace so rule names may repeat across files.
func CompileRules(path string) (*yara.Rules, error) {
	paths, err := enumerateRuleFiles(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(paths) == 0 {
		return nil, trace.NotFound("no tasting rule files found under %v", path)
	}

	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, trace.Wrap(err, "creating rule compiler")
	}
	for i, rulePath := range paths {
		f, err := os.Open(rulePath)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		err = compiler.AddFile(f, fmt.Sprintf("namespace%d", i))
		f.Close()
		if err != nil {
			return nil, trace.Wrap(err, "compiling tasting rules from %v", rulePath)
		}
	}
	rules, err := compiler.GetRules()
	if err != nil {
		return nil, trace.Wrap(err, "linking tasting rules")
	}
	return rules, nil
}

// enumerateRuleFiles resolves path to the ordered list of rule files it
// names: itself when it is a file, every file matching RulePattern when it
// is a directory.
func enumerateRuleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	matches, err := doublestar.Glob(os.DirFS(path), RulePattern)
	if err != nil {
		return nil, trace.Wrap(err, "enumerating rule files under %v", path)
	}
	sort.Strings(matches)
	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, filepath.Join(path, match))
	}
	return paths, nil
}
