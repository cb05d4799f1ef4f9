package trace

import (
	"regexp"
	"strconv"
	"strings"
)

// Language detection counts indicator substrings on the lowercased input.
// Ties resolve python over javascript over java.
var (
	pythonIndicators = []string{
		"traceback (most recent call last)",
		`file "`,
		"line ",
		"in ",
		`.py"`,
		"python",
		"django",
		"flask",
	}
	javascriptIndicators = []string{
		"at ",
		"node.js",
		"javascript",
		".js:",
		"typeerror:",
		"referenceerror:",
		"syntaxerror:",
		"webpack://",
		"chrome-extension://",
	}
	javaIndicators = []string{
		"exception in thread",
		"at ",
		".java:",
		"caused by:",
		"java.lang.",
		"java.util.",
		"org.springframework",
		"com.example",
	}
)

var (
	pythonHeaderRe = regexp.MustCompile(`(?i)Traceback \(most recent call last\):`)
	pythonFrameRe  = regexp.MustCompile(`File "([^"]+)", line (\d+), in (.+)`)
	pythonErrorRe  = regexp.MustCompile(`(?m)^(\w+(?:Error|Exception)): (.+)$`)

	jsFrameFnRe   = regexp.MustCompile(`at (.+) \(([^():\s]+):(\d+):(\d+)\)`)
	jsFrameBareRe = regexp.MustCompile(`at ([^():\s]+):(\d+):(\d+)`)
	jsErrorRe     = regexp.MustCompile(`(?m)^(\w+(?:Error|Exception)): (.+)$`)

	javaFrameRe  = regexp.MustCompile(`at ([^(]+)\(([^:)]+)(?::(\d+))?\)`)
	javaErrorRe  = regexp.MustCompile(`(?m)^(\w+(?:Exception|Error)): (.+)$`)
	javaCausedRe = regexp.MustCompile(`(?m)^Caused by: (\w+(?:Exception|Error)): (.+)$`)

	genericFrameRes = []*regexp.Regexp{
		regexp.MustCompile(`([^:\s]+):(\d+)`),
		regexp.MustCompile(`at ([^(]+)\(([^:]+):(\d+)\)`),
		regexp.MustCompile(`File "([^"]+)", line (\d+)`),
	}
)

const (
	defaultErrorType    = "UnknownError"
	defaultErrorMessage = "No error message found"
)

// Parse extracts a stack trace from free-form text. The boolean is false when
// the text yields no frames at all, including empty input.
func Parse(text string) (*StackTrace, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	var trace *StackTrace
	switch DetectLanguage(text) {
	case LanguagePython:
		trace = parsePython(text)
	case LanguageJavaScript:
		trace = parseJavaScript(text)
	case LanguageJava:
		trace = parseJava(text)
	default:
		trace = parseGeneric(text)
	}
	if trace == nil || len(trace.Frames) == 0 {
		return nil, false
	}
	return trace, true
}

// DetectLanguage guesses the trace language from indicator substring counts.
func DetectLanguage(text string) Language {
	lower := strings.ToLower(text)
	count := func(indicators []string) int {
		n := 0
		for _, ind := range indicators {
			if strings.Contains(lower, ind) {
				n++
			}
		}
		return n
	}

	py := count(pythonIndicators)
	js := count(javascriptIndicators)
	java := count(javaIndicators)

	switch {
	case py >= js && py >= java && py > 0:
		return LanguagePython
	case js >= java && js > 0:
		return LanguageJavaScript
	case java > 0:
		return LanguageJava
	default:
		return LanguageUnknown
	}
}

func parsePython(text string) *StackTrace {
	if !pythonHeaderRe.MatchString(text) {
		return nil
	}

	matches := pythonFrameRe.FindAllStringSubmatch(text, -1)
	frames := make([]StackFrame, 0, len(matches))
	for i, m := range matches {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		fn := strings.TrimSpace(m[3])
		frames = append(frames, newFrame(
			m[1], line, fn,
			extractSnippet(text, m[1], m[2]),
			frameRelevance(m[1], fn, i, len(matches), LanguagePython),
		))
	}

	errType, errMsg := extractError(pythonErrorRe, text)
	return &StackTrace{
		Frames:       frames,
		ErrorType:    errType,
		ErrorMessage: errMsg,
		Language:     LanguagePython,
	}
}

// jsMatch is one frame location before scoring.
type jsMatch struct {
	fn      string
	path    string
	lineStr string
	line    int
}

func parseJavaScript(text string) *StackTrace {
	// Frames are matched line by line, named form first so a frame never
	// shows up twice when both patterns could hit it.
	var matches []jsMatch
	for _, line := range strings.Split(text, "\n") {
		if m := jsFrameFnRe.FindStringSubmatch(line); m != nil {
			ln, err := strconv.Atoi(m[3])
			if err != nil {
				continue
			}
			fn := strings.TrimSpace(m[1])
			if fn == "" {
				fn = "<anonymous>"
			}
			matches = append(matches, jsMatch{fn: fn, path: m[2], lineStr: m[3], line: ln})
			continue
		}
		if m := jsFrameBareRe.FindStringSubmatch(line); m != nil {
			ln, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			matches = append(matches, jsMatch{fn: "<anonymous>", path: m[1], lineStr: m[2], line: ln})
		}
	}

	frames := make([]StackFrame, 0, len(matches))
	for i, m := range matches {
		frames = append(frames, newFrame(
			m.path, m.line, m.fn,
			extractSnippet(text, m.path, m.lineStr),
			frameRelevance(m.path, m.fn, i, len(matches), LanguageJavaScript),
		))
	}

	errType, errMsg := extractError(jsErrorRe, text)
	return &StackTrace{
		Frames:       frames,
		ErrorType:    errType,
		ErrorMessage: errMsg,
		Language:     LanguageJavaScript,
	}
}

func parseJava(text string) *StackTrace {
	matches := javaFrameRe.FindAllStringSubmatch(text, -1)
	frames := make([]StackFrame, 0, len(matches))
	for i, m := range matches {
		qualified := strings.TrimSpace(m[1])
		file := m[2]
		lineStr := m[3]

		// Frames compiled without debug info carry "Unknown Source"; fall
		// back to the class name so the frame still maps onto a file.
		if file == "Unknown Source" {
			className := qualified
			if j := strings.LastIndex(qualified, "."); j >= 0 {
				className = qualified[:j]
			}
			file = className + ".java"
		}

		line := 0
		if lineStr != "" {
			n, err := strconv.Atoi(lineStr)
			if err != nil {
				continue
			}
			line = n
		}
		frames = append(frames, newFrame(
			file, line, qualified,
			extractSnippet(text, file, lineStr),
			frameRelevance(file, qualified, i, len(matches), LanguageJava),
		))
	}

	errType, errMsg := extractError(javaErrorRe, text)
	if errType == defaultErrorType {
		if m := javaCausedRe.FindStringSubmatch(text); m != nil {
			errType, errMsg = m[1], strings.TrimSpace(m[2])
		}
	}
	return &StackTrace{
		Frames:       frames,
		ErrorType:    errType,
		ErrorMessage: errMsg,
		Language:     LanguageJava,
	}
}

// parseGeneric is the last-resort extractor for unrecognized formats. All
// three patterns contribute frames; relevance decays with match position and
// skips the heuristic scoring that tagged-language frames get.
func parseGeneric(text string) *StackTrace {
	var frames []StackFrame
	for _, re := range genericFrameRes {
		for i, m := range re.FindAllStringSubmatch(text, -1) {
			var fn, path, lineStr string
			switch len(m) {
			case 3:
				path, lineStr = m[1], m[2]
				fn = "<unknown>"
			case 4:
				fn, path, lineStr = strings.TrimSpace(m[1]), m[2], m[3]
			default:
				continue
			}
			line, err := strconv.Atoi(lineStr)
			if err != nil {
				continue
			}
			relevance := 1.0 - float64(i)*0.1
			if relevance < 0.1 {
				relevance = 0.1
			}
			frames = append(frames, newFrame(path, line, fn, extractSnippet(text, path, lineStr), relevance))
		}
	}

	errMsg := "Unknown error"
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "exception") {
			errMsg = strings.TrimSpace(line)
			break
		}
	}
	return &StackTrace{
		Frames:       frames,
		ErrorType:    defaultErrorType,
		ErrorMessage: errMsg,
		Language:     LanguageUnknown,
	}
}

func extractError(re *regexp.Regexp, text string) (string, string) {
	if m := re.FindStringSubmatch(text); m != nil {
		return m[1], strings.TrimSpace(m[2])
	}
	return defaultErrorType, defaultErrorMessage
}

// extractSnippet looks for the source line echoed below a frame reference.
// Interpreter output prints the offending line right after the frame line;
// the first non-empty line within the next three that is not itself another
// frame is taken as the snippet.
func extractSnippet(text, filePath, lineNumber string) string {
	if lineNumber == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, filePath) || !strings.Contains(line, lineNumber) {
			continue
		}
		for j := i + 1; j < len(lines) && j <= i+3; j++ {
			candidate := strings.TrimSpace(lines[j])
			if candidate == "" || strings.HasPrefix(candidate, "File") || strings.HasPrefix(candidate, "at") {
				continue
			}
			return candidate
		}
	}
	return ""
}
