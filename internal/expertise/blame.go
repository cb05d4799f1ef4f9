package expertise

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"triagent/internal/logging"
)

// BlameRecord is one attributed line from version control.
type BlameRecord struct {
	CommitHash  string
	AuthorEmail string
	AuthorName  string
	CommitDate  time.Time
	LineNumber  int
	LineContent string
}

// BlameRunner abstracts the VCS so scoring can be tested without a
// repository on disk.
type BlameRunner interface {
	// Blame returns one record per line of the file at HEAD.
	Blame(ctx context.Context, filePath string) ([]BlameRecord, error)
	// CommitSubject returns the first line of a commit message.
	CommitSubject(ctx context.Context, commitHash string) (string, error)
}

const subjectTimeout = 5 * time.Second

// GitRunner shells out to git. Blame runs with whitespace ignored and
// copy/move detection so ownership follows refactors.
type GitRunner struct {
	repoPath string
	timeout  time.Duration
	log      *logging.Logger
}

// NewGitRunner points the runner at a local clone. timeout bounds each
// blame invocation; zero means 5 seconds.
func NewGitRunner(repoPath string, timeout time.Duration) *GitRunner {
	if repoPath == "" {
		repoPath = "."
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GitRunner{
		repoPath: repoPath,
		timeout:  timeout,
		log:      logging.Get(logging.CategoryExpertise),
	}
}

// Blame executes git blame -w -C -C -M --line-porcelain on the file.
func (g *GitRunner) Blame(ctx context.Context, filePath string) ([]BlameRecord, error) {
	if _, err := os.Stat(filepath.Join(g.repoPath, filePath)); err != nil {
		return nil, fmt.Errorf("file not found in repository: %s", filePath)
	}

	blameCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(blameCtx, "git", "blame", "-w", "-C", "-C", "-M", "--line-porcelain", filePath)
	cmd.Dir = g.repoPath
	out, err := cmd.Output()
	if err != nil {
		if blameCtx.Err() != nil {
			return nil, fmt.Errorf("git blame timed out for %s: %w", filePath, blameCtx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git blame failed for %s: %s", filePath, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git blame failed for %s: %w", filePath, err)
	}

	// Invalid bytes become replacement runes rather than failing the file.
	return parseBlameOutput(strings.ToValidUTF8(string(out), "�")), nil
}

// CommitSubject looks up a commit's subject line for merge filtering.
func (g *GitRunner) CommitSubject(ctx context.Context, commitHash string) (string, error) {
	logCtx, cancel := context.WithTimeout(ctx, subjectTimeout)
	defer cancel()

	cmd := exec.CommandContext(logCtx, "git", "log", "--format=%s", "-n", "1", commitHash)
	cmd.Dir = g.repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to read subject of %s: %w", commitHash, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// parseBlameOutput walks line-porcelain output. Each entry is a header
// (hash, original line, final line), a metadata block, then the content
// line prefixed with a tab. A malformed number aborts the whole parse so a
// garbled blame never produces half-attributed ownership.
func parseBlameOutput(out string) []BlameRecord {
	if strings.TrimSpace(out) == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")

	var records []BlameRecord
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}
		parts := strings.Fields(lines[i])
		if len(parts) < 3 {
			i++
			continue
		}
		commitHash := parts[0]
		lineNumber, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil
		}

		var (
			authorEmail string
			authorName  string
			commitDate  time.Time
			haveDate    bool
		)
		i++
		for i < len(lines) && !strings.HasPrefix(lines[i], "\t") {
			line := strings.TrimSpace(lines[i])
			switch {
			case strings.HasPrefix(line, "author-mail "):
				authorEmail = strings.Trim(line[len("author-mail "):], "<>")
			case strings.HasPrefix(line, "author-time "):
				ts, err := strconv.ParseInt(strings.TrimSpace(line[len("author-time "):]), 10, 64)
				if err != nil {
					return nil
				}
				commitDate = time.Unix(ts, 0).UTC()
				haveDate = true
			case strings.HasPrefix(line, "author "):
				authorName = line[len("author "):]
			}
			i++
		}

		lineContent := ""
		if i < len(lines) && strings.HasPrefix(lines[i], "\t") {
			lineContent = lines[i][1:]
			i++
		}

		if haveDate && authorEmail != "" {
			records = append(records, BlameRecord{
				CommitHash:  commitHash,
				AuthorEmail: authorEmail,
				AuthorName:  authorName,
				CommitDate:  commitDate,
				LineNumber:  lineNumber,
				LineContent: lineContent,
			})
		} else {
			i++
		}
	}
	return records
}
