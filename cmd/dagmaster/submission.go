// Copyright (C) 2026 The Dagmaster Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/dagflow/dagmaster/internal/dagmodel"
)

// loadSubmission reads a dagmodel.Submission from a YAML file. The
// document's shape mirrors dagmodel.Submission's exported fields directly
// (name, vertices, edges), so a DAG author writes the same names the
// runtime type uses.
func loadSubmission(path string) (dagmodel.Submission, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return dagmodel.Submission{}, fmt.Errorf("read dag file %s: %w", path, err)
	}
	var sub dagmodel.Submission
	if err := yaml.Unmarshal(raw, &sub); err != nil {
		return dagmodel.Submission{}, fmt.Errorf("parse dag file %s: %w", path, err)
	}
	return sub, nil
}
