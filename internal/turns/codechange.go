package turns

import (
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Registry maps file-modifying tool names to the kind of change they
// perform. The recognised set varies between assistant versions, so it is
// configuration rather than code.
type Registry map[string]ChangeKind

// DefaultRegistry covers the tool names current assistant versions emit.
func DefaultRegistry() Registry {
	return Registry{
		"Write":        ChangeCreate,
		"Create":       ChangeCreate,
		"Edit":         ChangeModify,
		"MultiEdit":    ChangeModify,
		"NotebookEdit": ChangeModify,
		"Delete":       ChangeDelete,
	}
}

// extractCodeChanges derives CodeChange records from the turn's tool uses.
// Tools not present in the registry contribute nothing.
func extractCodeChanges(reg Registry, tools []*ToolUse) []CodeChange {
	var changes []CodeChange
	for _, tu := range tools {
		kind, ok := reg[tu.Name]
		if !ok {
			continue
		}
		if cc, ok := changeFromTool(kind, tu); ok {
			changes = append(changes, cc)
		}
	}
	return changes
}

func changeFromTool(kind ChangeKind, tu *ToolUse) (CodeChange, bool) {
	path := stringField(tu.Input, "file_path")
	if path == "" {
		path = stringField(tu.Input, "notebook_path")
	}
	if path == "" {
		return CodeChange{}, false
	}

	cc := CodeChange{
		FilePath:  path,
		Type:      kind,
		Extension: strings.TrimPrefix(filepath.Ext(path), "."),
	}

	switch kind {
	case ChangeCreate:
		cc.LinesAdded = countLines(stringField(tu.Input, "content"))

	case ChangeModify:
		if edits, ok := tu.Input["edits"].([]any); ok {
			// MultiEdit: sum the per-edit line deltas.
			for _, raw := range edits {
				edit, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				added, removed := diffLineCounts(stringField(edit, "old_string"), stringField(edit, "new_string"))
				cc.LinesAdded += added
				cc.LinesRemoved += removed
			}
		} else if src := stringField(tu.Input, "new_source"); src != "" {
			cc.LinesAdded = countLines(src)
		} else {
			cc.LinesAdded, cc.LinesRemoved = diffLineCounts(stringField(tu.Input, "old_string"), stringField(tu.Input, "new_string"))
		}

	case ChangeDelete:
		// The input carries no content for deletions; line counts stay zero.
	}

	return cc, true
}

// diffLineCounts runs a line-granularity diff between the old and new
// strings of an edit and returns (linesAdded, linesRemoved).
func diffLineCounts(oldText, newText string) (int, int) {
	if oldText == newText {
		return 0, 0
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	added, removed := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += countLines(d.Text)
		case diffmatchpatch.DiffEqual:
		}
	}
	return added, removed
}

// countLines counts content lines, ignoring a trailing newline.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
