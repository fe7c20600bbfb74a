// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package redaction

import (
	"fmt"
	"regexp"
	"sort"
)

// RuleFile mirrors the embedded sensitive_data_rules.yaml document.
type RuleFile struct {
	Categories []Category `yaml:"categories"`
}

// Category is one ordered (pattern, masker) pair. Exactly one of Mask or
// MaskDigits drives the substitution: Mask replaces the whole match with a
// fixed token, MaskDigits replaces each digit inside the match with '*'
// while keeping surrounding text (used for labeled identifiers where the
// label itself is not sensitive).
type Category struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Order       int    `yaml:"order"`
	Pattern     string `yaml:"pattern"`
	Mask        string `yaml:"mask"`
	MaskDigits  bool   `yaml:"mask_digits"`

	compiled *regexp.Regexp `yaml:"-"`
}

// Compile compiles every category pattern. Returns an error naming the
// first pattern that fails to compile.
func (f *RuleFile) Compile() error {
	for i := range f.Categories {
		cat := &f.Categories[i]
		re, err := regexp.Compile(cat.Pattern)
		if err != nil {
			return fmt.Errorf("failed to compile pattern for category %s: %w", cat.Name, err)
		}
		cat.compiled = re
	}
	return nil
}

// SortByOrder sorts categories ascending so substitution runs in
// declaration order regardless of how the YAML was arranged.
func (f *RuleFile) SortByOrder() {
	sort.Slice(f.Categories, func(i, j int) bool {
		return f.Categories[i].Order < f.Categories[j].Order
	})
}

// Result is the outcome of one scan. Found is true iff any category matched
// the original text at least once. Redacted is the masked copy; it equals
// the input when Found is false. Matched lists the names of the categories
// that matched, in scan order.
type Result struct {
	Found    bool     `json:"found"`
	Redacted string   `json:"redacted"`
	Matched  []string `json:"matched,omitempty"`
}
