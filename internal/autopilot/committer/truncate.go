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

package committer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tombee/rover-autopilot/internal/truncate"
)

// maxBlameLines bounds how much blame context the conflict probe puts in
// front of the AI agent. A hand-authored conflict file can carry thousands
// of lines of history; only the portion near the conflict is useful.
const maxBlameLines = 200

// languageForPath maps a file extension to one of the identifiers
// internal/truncate's registry knows, mirroring the conductor SDK's
// TruncateCode entry point (sdk/truncate.go), which takes the same
// language name as an explicit caller-supplied string.
func languageForPath(path string) truncate.Language {
	var name string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		name = "go"
	case ".py":
		name = "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		name = "javascript"
	case ".ts", ".tsx":
		name = "typescript"
	}

	if lang := truncate.GetLanguage(name); lang != nil {
		return lang
	}
	return truncate.FallbackLanguage{}
}

// truncateBlame shortens blame longer than maxBlameLines, cutting after the
// last function/class block the language parser finds starting before the
// limit rather than mid-block (so a block that runs past the limit is kept
// whole, and the result can exceed maxBlameLines), or at maxBlameLines when
// no block is found. It reports whether anything was cut.
func truncateBlame(path, blame string) (string, bool) {
	lines := strings.Split(blame, "\n")
	if len(lines) <= maxBlameLines {
		return blame, false
	}

	lang := languageForPath(path)

	cut := maxBlameLines
	for _, block := range lang.DetectBlocks(blame) {
		if block.StartLine >= maxBlameLines {
			break
		}
		if block.EndLine+1 > len(lines) {
			continue
		}
		cut = block.EndLine + 1
		if cut >= maxBlameLines {
			break
		}
	}
	if cut > len(lines) {
		cut = len(lines)
	}

	single, _, _ := lang.CommentSyntax()
	indicator := fmt.Sprintf("... blame truncated (%d of %d lines omitted)", len(lines)-cut, len(lines))
	if single != "" {
		indicator = single + " " + indicator
	}

	return strings.Join(lines[:cut], "\n") + "\n" + indicator, true
}
