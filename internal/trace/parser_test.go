package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pythonTrace = `Traceback (most recent call last):
  File "/app/src/services/payment.py", line 42, in process_payment
    charge = gateway.charge(amount)
  File "/usr/lib/python3.11/site-packages/stripe/client.py", line 918, in charge
    raise InvalidRequestError(msg)
ValueError: amount must be positive`

const javascriptTrace = `TypeError: Cannot read properties of undefined (reading 'map')
    at renderList (/app/src/components/list.js:17:12)
    at /app/src/pages/dashboard.js:5:3
    at Array.map (/app/node_modules/react-dom/cjs/react-dom.js:53:19)`

const javaTrace = `Exception in thread "main" java.lang.IllegalStateException: pool exhausted
	at com.example.billing.InvoiceService.render(InvoiceService.java:88)
	at com.example.billing.ReportJob.run(Unknown Source)
	at java.base/java.util.concurrent.ThreadPoolExecutor.runWorker(ThreadPoolExecutor.java:1136)
Caused by: SQLException: timeout acquiring connection
	at com.zaxxer.hikari.pool.HikariPool.getConnection(HikariPool.java:210)`

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Language
	}{
		{"python traceback", pythonTrace, LanguagePython},
		{"node stack", javascriptTrace, LanguageJavaScript},
		{"jvm stack", javaTrace, LanguageJava},
		{"plain prose", "the widget refused to spin", LanguageUnknown},
		{"at alone prefers javascript", "looking at things", LanguageJavaScript},
		{"empty", "", LanguageUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLanguage(tt.text))
		})
	}
}

func TestParsePython(t *testing.T) {
	st, ok := Parse(pythonTrace)
	require.True(t, ok)
	require.NotNil(t, st)
	assert.Equal(t, LanguagePython, st.Language)
	assert.Equal(t, "ValueError", st.ErrorType)
	assert.Equal(t, "amount must be positive", st.ErrorMessage)

	require.Len(t, st.Frames, 2)

	top := st.Frames[0]
	assert.Equal(t, "/app/src/services/payment.py", top.FilePath)
	assert.Equal(t, 42, top.LineNumber)
	assert.Equal(t, "process_payment", top.FunctionName)
	assert.Equal(t, "charge = gateway.charge(amount)", top.CodeSnippet)
	assert.InDelta(t, 1.0, top.Relevance, 1e-9)

	lib := st.Frames[1]
	assert.Equal(t, "/usr/lib/python3.11/site-packages/stripe/client.py", lib.FilePath)
	assert.Equal(t, 918, lib.LineNumber)
	assert.Equal(t, "charge", lib.FunctionName)
	assert.Equal(t, "raise InvalidRequestError(msg)", lib.CodeSnippet)
	// Last frame of two loses 0.3, then the library path halves it.
	assert.InDelta(t, 0.35, lib.Relevance, 1e-9)
}

func TestParsePythonRequiresHeader(t *testing.T) {
	text := `File "/app/src/util.py", line 7, in helper
    return x / y
ZeroDivisionError: division by zero`

	_, ok := Parse(text)
	assert.False(t, ok)
}

func TestParseJavaScript(t *testing.T) {
	st, ok := Parse(javascriptTrace)
	require.True(t, ok)
	assert.Equal(t, LanguageJavaScript, st.Language)
	assert.Equal(t, "TypeError", st.ErrorType)
	assert.Equal(t, "Cannot read properties of undefined (reading 'map')", st.ErrorMessage)

	require.Len(t, st.Frames, 3)
	assert.Equal(t, "renderList", st.Frames[0].FunctionName)
	assert.Equal(t, "/app/src/components/list.js", st.Frames[0].FilePath)
	assert.Equal(t, 17, st.Frames[0].LineNumber)
	assert.InDelta(t, 1.0, st.Frames[0].Relevance, 1e-9)

	// Bare frames have no function name.
	assert.Equal(t, "<anonymous>", st.Frames[1].FunctionName)
	assert.Equal(t, "/app/src/pages/dashboard.js", st.Frames[1].FilePath)
	assert.Equal(t, 5, st.Frames[1].LineNumber)
	assert.InDelta(t, 0.816, st.Frames[1].Relevance, 1e-9)

	// node_modules halves, /app/ boosts, react framework marker boosts.
	assert.Equal(t, "Array.map", st.Frames[2].FunctionName)
	assert.InDelta(t, 0.462, st.Frames[2].Relevance, 1e-9)
}

func TestParseJava(t *testing.T) {
	st, ok := Parse(javaTrace)
	require.True(t, ok)
	assert.Equal(t, LanguageJava, st.Language)

	// The thread header does not match the plain error pattern, so the
	// Caused by line supplies the error.
	assert.Equal(t, "SQLException", st.ErrorType)
	assert.Equal(t, "timeout acquiring connection", st.ErrorMessage)

	require.Len(t, st.Frames, 4)
	assert.Equal(t, "com.example.billing.InvoiceService.render", st.Frames[0].FunctionName)
	assert.Equal(t, "InvoiceService.java", st.Frames[0].FilePath)
	assert.Equal(t, 88, st.Frames[0].LineNumber)
	assert.InDelta(t, 1.0, st.Frames[0].Relevance, 1e-9)

	// Unknown Source maps onto the declaring class.
	assert.Equal(t, "com.example.billing.ReportJob.java", st.Frames[1].FilePath)
	assert.Equal(t, 0, st.Frames[1].LineNumber)
	assert.InDelta(t, 0.99, st.Frames[1].Relevance, 1e-9)

	assert.Equal(t, "ThreadPoolExecutor.java", st.Frames[2].FilePath)
	assert.Equal(t, 1136, st.Frames[2].LineNumber)

	assert.Equal(t, "HikariPool.java", st.Frames[3].FilePath)
	assert.InDelta(t, 0.7, st.Frames[3].Relevance, 1e-9)
}

func TestParseGenericFallback(t *testing.T) {
	text := `segfault error while linking plugin
crash dump written to crash.log:14
loader aborted near widget.c:212`

	st, ok := Parse(text)
	require.True(t, ok)
	assert.Equal(t, LanguageUnknown, st.Language)
	assert.Equal(t, "UnknownError", st.ErrorType)
	assert.Equal(t, "segfault error while linking plugin", st.ErrorMessage)

	require.Len(t, st.Frames, 2)
	assert.Equal(t, "crash.log", st.Frames[0].FilePath)
	assert.Equal(t, 14, st.Frames[0].LineNumber)
	assert.Equal(t, "<unknown>", st.Frames[0].FunctionName)
	assert.InDelta(t, 1.0, st.Frames[0].Relevance, 1e-9)

	assert.Equal(t, "widget.c", st.Frames[1].FilePath)
	assert.InDelta(t, 0.9, st.Frames[1].Relevance, 1e-9)
}

func TestParseSkipsBadLineNumbers(t *testing.T) {
	text := `Traceback (most recent call last):
  File "/app/a.py", line 99999999999999999999, in f
    x()
  File "/app/b.py", line 3, in g
    y()
TypeError: boom`

	st, ok := Parse(text)
	require.True(t, ok)
	require.Len(t, st.Frames, 1)
	assert.Equal(t, "/app/b.py", st.Frames[0].FilePath)
	// Position scoring still counts the skipped match.
	assert.InDelta(t, 0.84, st.Frames[0].Relevance, 1e-9)
}

func TestParseEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t\n"} {
		_, ok := Parse(text)
		assert.False(t, ok)
	}
}

func TestFrameRelevance(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		fn       string
		pos      int
		total    int
		lang     Language
		expected float64
	}{
		{"single frame clamps at one", "/app/src/db.py", "save", 0, 1, LanguagePython, 1.0},
		{"system path halves", "/usr/lib/foo.py", "save", 0, 1, LanguagePython, 0.5},
		{"generic function dampens", "/x/y.js", "main", 0, 1, LanguageJavaScript, 0.8},
		{"error keyword boosts", "/usr/a.py", "validate_input", 0, 1, LanguagePython, 0.65},
		{"framework marker boosts", "/srv/django/views.py", "handle", 1, 2, LanguagePython, 0.77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frameRelevance(tt.path, tt.fn, tt.pos, tt.total, tt.lang)
			assert.InDelta(t, tt.expected, got, 1e-9)
		})
	}
}

func TestMostRelevantFrames(t *testing.T) {
	st := &StackTrace{
		Frames: []StackFrame{
			{FilePath: "a.py", Relevance: 0.2},
			{FilePath: "b.py", Relevance: 0.9},
			{FilePath: "c.py", Relevance: 0.9},
			{FilePath: "d.py", Relevance: 0.5},
		},
	}

	top := st.MostRelevantFrames(3)
	require.Len(t, top, 3)
	assert.Equal(t, "b.py", top[0].FilePath)
	assert.Equal(t, "c.py", top[1].FilePath)
	assert.Equal(t, "d.py", top[2].FilePath)

	// The source order is untouched.
	assert.Equal(t, "a.py", st.Frames[0].FilePath)
}

func TestFilePaths(t *testing.T) {
	st := &StackTrace{
		Frames: []StackFrame{
			{FilePath: "a.py"},
			{FilePath: "b.py"},
			{FilePath: "a.py"},
			{FilePath: ""},
		},
	}
	assert.Equal(t, []string{"a.py", "b.py"}, st.FilePaths())
}

func TestNewFrameClamps(t *testing.T) {
	f := newFrame("x.py", -5, "f", "", 1.7)
	assert.Equal(t, 0, f.LineNumber)
	assert.Equal(t, 1.0, f.Relevance)

	f = newFrame("x.py", 3, "f", "", -0.2)
	assert.Equal(t, 0.0, f.Relevance)
}
