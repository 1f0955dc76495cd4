// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package utils provides small filesystem and token-counting helpers
// shared across Sage's components.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureSageDir ensures the .sage directory exists at the given base path.
// If basePath is empty or ".", it creates ./.sage in the current directory.
// Otherwise, it creates {basePath}/.sage.
//
// Used for local, per-project state that isn't part of the session store:
// a generated minimal config file, cached zero-config defaults.
//
// Returns the full path to the .sage directory and any error.
func EnsureSageDir(basePath string) (string, error) {
	var dir string
	if basePath == "" || basePath == "." {
		dir = ".sage"
	} else {
		dir = filepath.Join(basePath, ".sage")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create .sage directory at '%s': %w", dir, err)
	}

	return dir, nil
}
