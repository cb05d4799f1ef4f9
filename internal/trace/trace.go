// Package trace parses multi-language stack traces out of bug-report text
// and ranks the extracted frames by how likely they are to point at the
// defective code. Parsing is pure: no I/O, no logging, deterministic output
// for a given input.
package trace

import "sort"

// Language identifies the runtime a stack trace came from.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageJava       Language = "java"
	LanguageUnknown    Language = "unknown"
)

// StackFrame is a single frame extracted from a stack trace.
type StackFrame struct {
	FilePath     string
	LineNumber   int
	FunctionName string
	CodeSnippet  string
	// Relevance estimates how likely this frame points at the defect, in [0,1].
	Relevance float64
}

// newFrame builds a frame with line number and relevance clamped to their
// documented bounds.
func newFrame(filePath string, line int, function, snippet string, relevance float64) StackFrame {
	if line < 0 {
		line = 0
	}
	if relevance < 0 {
		relevance = 0
	} else if relevance > 1 {
		relevance = 1
	}
	return StackFrame{
		FilePath:     filePath,
		LineNumber:   line,
		FunctionName: function,
		CodeSnippet:  snippet,
		Relevance:    relevance,
	}
}

// StackTrace is a parsed stack trace with error metadata.
type StackTrace struct {
	Frames       []StackFrame
	ErrorMessage string
	ErrorType    string
	Language     Language
}

// MostRelevantFrames returns up to limit frames sorted by descending
// relevance. Equal scores keep their trace order.
func (t *StackTrace) MostRelevantFrames(limit int) []StackFrame {
	sorted := make([]StackFrame, len(t.Frames))
	copy(sorted, t.Frames)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Relevance > sorted[j].Relevance
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// FilePaths returns the unique frame paths in order of first appearance.
func (t *StackTrace) FilePaths() []string {
	seen := make(map[string]bool, len(t.Frames))
	var paths []string
	for _, f := range t.Frames {
		if f.FilePath == "" || seen[f.FilePath] {
			continue
		}
		seen[f.FilePath] = true
		paths = append(paths, f.FilePath)
	}
	return paths
}
