// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package redaction detects categories of sensitive data in chat text and
// produces a masked copy. The scanner is a pure function over its input:
// no state, no I/O, identical output for identical input.
package redaction

import (
	"fmt"
	"strings"

	"github.com/moorline/moorline/services/redaction/rules"
	"gopkg.in/yaml.v3"
)

// Scanner holds the compiled, ordered category list. Construct once and
// share freely; Scan is safe for concurrent use.
type Scanner struct {
	Categories []Category
}

// NewScanner builds a Scanner from the rule definitions embedded in the
// binary. It unmarshals the YAML, compiles every pattern, and sorts the
// categories by declared order.
//
// Returns an error if the embedded YAML is malformed or contains an
// invalid regex.
func NewScanner() (*Scanner, error) {
	var ruleFile RuleFile
	if err := yaml.Unmarshal(rules.SensitiveDataRules, &ruleFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rules file: %w", err)
	}

	if err := ruleFile.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile redaction rules: %w", err)
	}

	ruleFile.SortByOrder()

	return &Scanner{Categories: ruleFile.Categories}, nil
}

// Scan checks text against every category and returns whether anything
// matched plus the masked copy.
//
// Detection and substitution are decoupled: Found reflects matches against
// the original text for every category independently, while the redacted
// copy is built as a cascade in category order. A span masked by an earlier
// category is not re-scanned by later ones because mask tokens are built so
// they never match a category pattern.
func (s *Scanner) Scan(text string) Result {
	var matched []string
	redacted := text

	for i := range s.Categories {
		cat := &s.Categories[i]
		if cat.compiled.MatchString(text) {
			matched = append(matched, cat.Name)
		}
		redacted = cat.substitute(redacted)
	}

	return Result{Found: len(matched) > 0, Redacted: redacted, Matched: matched}
}

// substitute applies this category's masking to a working copy.
func (c *Category) substitute(text string) string {
	if c.MaskDigits {
		return c.compiled.ReplaceAllStringFunc(text, maskDigits)
	}
	return c.compiled.ReplaceAllString(text, c.Mask)
}

// maskDigits replaces every ASCII digit in the match with '*', leaving
// labels and separators intact.
func maskDigits(match string) string {
	var b strings.Builder
	b.Grow(len(match))
	for _, r := range match {
		if r >= '0' && r <= '9' {
			b.WriteRune('*')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
