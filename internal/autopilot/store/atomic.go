// Copyright 2025 Tom Barlow
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

// Package store implements the sole durable interface for autopilot state:
// cursor, pending queue, task mappings, the append-only log, and the
// span/action files that form the causal DAG.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"
)

// atomicWriteFile marshals v as indented JSON and writes it to path via a
// write-to-temp-then-rename so readers never observe a half-written file.
func atomicWriteFile(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &conductorerrors.TransientError{Operation: "mkdir " + dir, Cause: err}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &conductorerrors.TraceFatalError{Reason: "failed to marshal " + path, Cause: err}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &conductorerrors.TransientError{Operation: "write " + tmpPath, Cause: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &conductorerrors.TransientError{Operation: "rename " + tmpPath + " -> " + path, Cause: err}
	}

	return nil
}

// readJSONFile unmarshals the JSON file at path into v. It returns
// os.ErrNotExist (wrapped) unchanged so callers can distinguish "missing"
// from "corrupt."
func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &conductorerrors.TraceFatalError{Reason: "failed to parse " + path, Cause: err}
	}
	return nil
}
