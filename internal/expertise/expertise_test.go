package expertise

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagent/internal/breaker"
	"triagent/internal/store"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu         sync.Mutex
	records    []BlameRecord
	err        error
	subjects   map[string]string
	blameCalls int
}

func (f *fakeRunner) Blame(ctx context.Context, filePath string) ([]BlameRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blameCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeRunner) CommitSubject(ctx context.Context, commitHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subjects[commitHash]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown commit %s", commitHash)
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blameCalls
}

func newTestEngine(t *testing.T, runner BlameRunner) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := NewEngine(runner, st, breaker.NewManager(nil))
	e.now = func() time.Time { return fixedNow }
	return e, st
}

func rec(hash, email, name string, when time.Time, line int) BlameRecord {
	return BlameRecord{CommitHash: hash, AuthorEmail: email, AuthorName: name, CommitDate: when, LineNumber: line}
}

func TestFileExpertiseScoring(t *testing.T) {
	runner := &fakeRunner{
		records: []BlameRecord{
			rec("c1", "alice@example.com", "Alice Smith", fixedNow, 1),
			rec("c1", "alice@example.com", "Alice Smith", fixedNow, 2),
			rec("c2", "alice@example.com", "Alice Smith", fixedNow, 3),
			rec("c3", "bob@example.com", "Bob", fixedNow, 4),
			rec("c4", "dependabot[bot]@users.noreply.github.com", "dependabot", fixedNow, 5),
			rec("c5", "carol@example.com", "Carol", fixedNow, 6),
		},
		subjects: map[string]string{
			"c1": "Add payment validation",
			"c2": "Fix rounding in charge",
			"c3": "Refactor gateway client",
			"c5": "Merge pull request #42 from org/feature",
		},
	}
	e, st := newTestEngine(t, runner)

	scores := e.FileExpertise(context.Background(), "src/payment.py", false)
	require.Len(t, scores, 2, "bot and merge-commit authors are dropped")

	assert.Equal(t, "alice@example.com", scores[0].DeveloperEmail)
	assert.Equal(t, 3, scores[0].LinesOwned)
	assert.Equal(t, 2, scores[0].CommitCount)
	assert.Equal(t, 1.0, scores[0].RecencyWeight)
	assert.Equal(t, 6.0, scores[0].Score, "lines * commits * recency")
	assert.Equal(t, "Alice Smith", scores[0].DeveloperName)

	assert.Equal(t, "bob@example.com", scores[1].DeveloperEmail)
	assert.Equal(t, 1.0, scores[1].Score)

	cached, err := st.CachedExpertise(context.Background(), "src/payment.py", 0)
	require.NoError(t, err)
	assert.Len(t, cached, 2, "computed batch is cached")
}

func TestFileExpertiseServesCacheWithRecencyRecomputed(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("blame must not run on a cache hit")}
	e, st := newTestEngine(t, runner)
	ctx := context.Background()

	old := fixedNow.Add(-10 * 365 * 24 * time.Hour)
	require.NoError(t, st.ReplaceExpertise(ctx, "cached.go", []store.ExpertiseRow{
		{DeveloperEmail: "vet@example.com", Score: 99999, CommitCount: 2, LinesOwned: 100, LastCommitDate: old},
	}))

	scores := e.FileExpertise(ctx, "cached.go", true)
	require.Len(t, scores, 1)
	assert.Equal(t, 0, runner.calls(), "fresh cache must skip blame")
	assert.Equal(t, 0.1, scores[0].RecencyWeight, "decade-old commits hit the recency floor")
	assert.Equal(t, 20.0, scores[0].Score, "score is re-derived from raw counts, not the stored value")
}

func TestFileExpertiseBypassesCacheWhenDisabled(t *testing.T) {
	runner := &fakeRunner{
		records:  []BlameRecord{rec("c1", "fresh@example.com", "Fresh", fixedNow, 1)},
		subjects: map[string]string{"c1": "Initial commit"},
	}
	e, st := newTestEngine(t, runner)
	ctx := context.Background()

	require.NoError(t, st.ReplaceExpertise(ctx, "main.go", []store.ExpertiseRow{
		{DeveloperEmail: "stale@example.com", Score: 1, CommitCount: 1, LinesOwned: 1, LastCommitDate: fixedNow},
	}))

	scores := e.FileExpertise(ctx, "main.go", false)
	require.Len(t, scores, 1)
	assert.Equal(t, "fresh@example.com", scores[0].DeveloperEmail)

	cached, err := st.CachedExpertise(ctx, "main.go", 0)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "fresh@example.com", cached[0].DeveloperEmail, "recompute replaces the old batch")
}

func TestBlameFailureReturnsEmptyWithoutCacheWrite(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("git blame timed out")}
	e, st := newTestEngine(t, runner)
	ctx := context.Background()

	scores := e.FileExpertise(ctx, "slow.go", true)
	assert.Empty(t, scores)

	cached, err := st.CachedExpertise(ctx, "slow.go", 0)
	require.NoError(t, err)
	assert.Empty(t, cached, "failed blame must not poison the cache")
}

func TestActiveContributorsFiltersInactive(t *testing.T) {
	runner := &fakeRunner{
		records: []BlameRecord{
			rec("c1", "alice@example.com", "Alice", fixedNow, 1),
			rec("c2", "bob@example.com", "Bob", fixedNow, 2),
		},
		subjects: map[string]string{"c1": "Add parser", "c2": "Add tests"},
	}
	e, st := newTestEngine(t, runner)
	ctx := context.Background()

	_, err := st.CreateUser(ctx, "bob@example.com", "U2", "Bob")
	require.NoError(t, err)
	require.NoError(t, st.DeactivateUser(ctx, "bob@example.com"))

	active := e.ActiveContributors(ctx, "parser.go")
	require.Len(t, active, 1)
	assert.Equal(t, "alice@example.com", active[0].DeveloperEmail,
		"unmapped developers default to active, deactivated ones are dropped")
}

type erroringStorage struct{}

func (erroringStorage) CachedExpertise(context.Context, string, time.Duration) ([]store.ExpertiseRow, error) {
	return nil, nil
}

func (erroringStorage) ReplaceExpertise(context.Context, string, []store.ExpertiseRow) error {
	return nil
}

func (erroringStorage) GetUserByEmail(context.Context, string) (*store.User, error) {
	return nil, fmt.Errorf("database locked")
}

func TestActiveCheckFailsOpen(t *testing.T) {
	runner := &fakeRunner{
		records:  []BlameRecord{rec("c1", "alice@example.com", "Alice", fixedNow, 1)},
		subjects: map[string]string{"c1": "Add parser"},
	}
	e := NewEngine(runner, erroringStorage{}, breaker.NewManager(nil))
	e.now = func() time.Time { return fixedNow }

	active := e.ActiveContributors(context.Background(), "parser.go")
	require.Len(t, active, 1, "lookup failure must not erase expertise")
	assert.True(t, active[0].IsActive)
}

func TestPrimaryAndFallbacks(t *testing.T) {
	var records []BlameRecord
	subjects := map[string]string{}
	line := 1
	for i, email := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com", "f@example.com"} {
		hash := fmt.Sprintf("c%d", i)
		subjects[hash] = "Work"
		// Give earlier developers more lines so the ranking is fixed.
		for j := 0; j < 6-i; j++ {
			records = append(records, rec(hash, email, "Dev", fixedNow, line))
			line++
		}
	}
	runner := &fakeRunner{records: records, subjects: subjects}
	e, _ := newTestEngine(t, runner)

	primary, fallbacks := e.PrimaryAndFallbacks(context.Background(), "core.go")
	require.NotNil(t, primary)
	assert.Equal(t, "a@example.com", primary.DeveloperEmail)
	require.Len(t, fallbacks, 4, "fallback list is capped at four")
	assert.Equal(t, "b@example.com", fallbacks[0].DeveloperEmail)
	assert.Equal(t, "e@example.com", fallbacks[3].DeveloperEmail)
}

func TestPrimaryAndFallbacksEmpty(t *testing.T) {
	runner := &fakeRunner{}
	e, _ := newTestEngine(t, runner)

	primary, fallbacks := e.PrimaryAndFallbacks(context.Background(), "nobody.go")
	assert.Nil(t, primary)
	assert.Empty(t, fallbacks)
}

func TestOpenGitBreakerSkipsBlame(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("repository unavailable")}
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.FileExpertise(ctx, "a.go", false)
	}
	assert.Equal(t, 3, runner.calls())

	scores := e.FileExpertise(ctx, "a.go", false)
	assert.Empty(t, scores)
	assert.Equal(t, 3, runner.calls(), "open circuit must not launch blame")
}

func TestIsBotAccount(t *testing.T) {
	tests := []struct {
		email string
		name  string
		want  bool
	}{
		{"dependabot[bot]@users.noreply.github.com", "dependabot", true},
		{"noreply@github.com", "", true},
		{"renovate@whitesourcesoftware.com", "Renovate Bot", true},
		{"deploy-key@example.com", "", true},
		{"", "CI Runner", true},
		{"", "GitHub Actions", true},
		{"lucia@example.com", "Lucia", true},
		{"alice@example.com", "Alice Smith", false},
		{"carol@example.com", "Carol", false},
	}
	for _, tt := range tests {
		t.Run(tt.email+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBotAccount(tt.email, tt.name))
		})
	}
}

func TestIsMergeCommit(t *testing.T) {
	tests := []struct {
		subject string
		want    bool
	}{
		{"Merge pull request #123 from org/branch", true},
		{"Merge branch 'main' into dev", true},
		{"Merge remote-tracking branch 'origin/main'", true},
		{"Auto-merge of queue batch", true},
		{"Automatic merge from release", true},
		{"  Merge branch 'main'", true},
		{"Revert \"Merge pull request #1\"", false},
		{"Fix merge conflict handling", false},
		{"merge branch typo in lowercase", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, isMergeCommit(tt.subject))
		})
	}
}

func TestParseBlameOutput(t *testing.T) {
	out := "c0ffee1110000000000000000000000000000000 1 1 2\n" +
		"author Alice Smith\n" +
		"author-mail <alice@example.com>\n" +
		"author-time 1718000000\n" +
		"author-tz +0000\n" +
		"summary Add validation\n" +
		"filename src/payment.py\n" +
		"\tif amount <= 0:\n" +
		"c0ffee1110000000000000000000000000000000 2 2\n" +
		"author Alice Smith\n" +
		"author-mail <alice@example.com>\n" +
		"author-time 1718000000\n" +
		"\t    raise ValueError(\"amount must be positive\")\n" +
		"deadbeef220000000000000000000000000000000 3 3 1\n" +
		"author Bob\n" +
		"author-mail <bob@example.com>\n" +
		"author-time 1717000000\n" +
		"\treturn gateway.charge(amount)\n"

	records := parseBlameOutput(out)
	require.Len(t, records, 3)

	assert.Equal(t, "alice@example.com", records[0].AuthorEmail, "angle brackets are stripped")
	assert.Equal(t, "Alice Smith", records[0].AuthorName)
	assert.Equal(t, 1, records[0].LineNumber)
	assert.Equal(t, "if amount <= 0:", records[0].LineContent)
	assert.Equal(t, time.Unix(1718000000, 0).UTC(), records[0].CommitDate)

	assert.Equal(t, 2, records[1].LineNumber)
	assert.Equal(t, "    raise ValueError(\"amount must be positive\")", records[1].LineContent,
		"only the leading tab is removed from content")

	assert.Equal(t, "bob@example.com", records[2].AuthorEmail)
	assert.Equal(t, 3, records[2].LineNumber)
}

func TestParseBlameOutputEmpty(t *testing.T) {
	assert.Nil(t, parseBlameOutput(""))
	assert.Nil(t, parseBlameOutput("   \n  \n"))
}

func TestParseBlameOutputAbortsOnGarbledHeader(t *testing.T) {
	out := "c0ffee111 1 notanumber 2\n" +
		"author Alice\n" +
		"author-mail <alice@example.com>\n" +
		"author-time 1718000000\n" +
		"\tcontent\n"
	assert.Nil(t, parseBlameOutput(out))
}

func TestRecencyWeight(t *testing.T) {
	runner := &fakeRunner{}
	e, _ := newTestEngine(t, runner)

	assert.Equal(t, 1.0, e.recencyWeight(fixedNow), "age zero decays nothing")
	assert.InDelta(t, 0.9048, e.recencyWeight(fixedNow.Add(-36.5*24*time.Hour)), 0.001)
	assert.Equal(t, 0.1, e.recencyWeight(fixedNow.Add(-20*365*24*time.Hour)), "floor at 0.1")
}
