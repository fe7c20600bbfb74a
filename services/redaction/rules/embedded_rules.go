// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
This file bridges the build system and the runtime scanner. It uses the Go
embed package to bake sensitive_data_rules.yaml directly into the compiled
binary, so the redaction categories are immutable at runtime and travel with
the executable.
*/

package rules

import (
	_ "embed"
)

// SensitiveDataRules holds the raw byte content of 'sensitive_data_rules.yaml'.
//
// Populated at compile time via the Go 'embed' directive. Baking the YAML
// into the binary means the redaction categories cannot be tampered with on
// the host filesystem without recompiling the application.
//
// Usage:
//
//	err := yaml.Unmarshal(rules.SensitiveDataRules, &targetStruct)
//
//go:embed sensitive_data_rules.yaml
var SensitiveDataRules []byte
