package trace

import "strings"

// Marker lists for frame scoring. System paths halve the score, application
// paths boost it, generic function names dampen it and error-handling names
// boost it. Only the first matching marker in each list applies.
var (
	systemPathMarkers = []string{
		"/usr/",
		"/lib/",
		"node_modules/",
		"site-packages/",
		"java.lang.",
		"java.util.",
		"__pycache__",
		"webpack://",
		"chrome-extension://",
	}
	appPathMarkers = []string{
		"/src/",
		"/app/",
		"/components/",
		"/services/",
		"main.",
		"index.",
		"app.",
		"server.",
	}
	genericFunctionNames = []string{
		"<anonymous>",
		"__init__",
		"main",
		"run",
		"execute",
		"call",
		"apply",
		"invoke",
	}
	errorFunctionKeywords = []string{
		"error",
		"exception",
		"fail",
		"throw",
		"assert",
		"validate",
		"check",
	}
	frameworkMarkers = map[Language][]string{
		LanguagePython:     {"django", "flask", "fastapi"},
		LanguageJavaScript: {"react", "node", "express"},
		LanguageJava:       {"spring", "com.example"},
	}
)

// frameRelevance scores how likely a frame points at the defect. position is
// the frame's index in trace order, total the number of frames considered
// together. The result is clamped to [0,1].
func frameRelevance(filePath, functionName string, position, total int, lang Language) float64 {
	score := 1.0

	// Frames nearer the failure point matter more. The last frame of a
	// multi-frame trace loses up to 0.3.
	if total > 1 {
		score -= float64(position) / float64(total-1) * 0.3
	}

	pathLower := strings.ToLower(filePath)
	for _, marker := range systemPathMarkers {
		if strings.Contains(pathLower, marker) {
			score *= 0.5
			break
		}
	}
	for _, marker := range appPathMarkers {
		if strings.Contains(pathLower, marker) {
			score *= 1.2
			break
		}
	}

	fnLower := strings.ToLower(functionName)
	for _, name := range genericFunctionNames {
		if fnLower == name {
			score *= 0.8
			break
		}
	}
	for _, keyword := range errorFunctionKeywords {
		if strings.Contains(fnLower, keyword) {
			score *= 1.3
			break
		}
	}

	for _, marker := range frameworkMarkers[lang] {
		if strings.Contains(pathLower, marker) {
			score *= 1.1
			break
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
