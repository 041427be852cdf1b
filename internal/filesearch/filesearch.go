// Package filesearch answers filename and content queries against the
// producer's working tree using git.
package filesearch

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/wire"
)

// commandTimeout bounds a single git invocation.
const commandTimeout = 5 * time.Second

// Searcher runs searches rooted at a working directory. The directory must
// be inside a git repository; untracked and ignored files are not searched.
type Searcher struct {
	dir string
}

// New creates a searcher rooted at dir.
func New(dir string) *Searcher {
	return &Searcher{dir: dir}
}

// Search dispatches on searchType, returning at most
// wire.MaxFileSearchResults hits.
func (s *Searcher) Search(ctx context.Context, query, searchType string) ([]domain.FileSearchResult, error) {
	switch searchType {
	case "filename":
		return s.searchFilenames(ctx, query)
	case "content":
		return s.searchContent(ctx, query)
	default:
		return nil, fmt.Errorf("unknown search type %q", searchType)
	}
}

// searchFilenames matches the query as a case-insensitive substring of
// tracked file paths.
func (s *Searcher) searchFilenames(ctx context.Context, query string) ([]domain.FileSearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files")
	cmd.Dir = s.dir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	needle := strings.ToLower(query)
	results := []domain.FileSearchResult{}
	for _, line := range strings.Split(string(output), "\n") {
		if line == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		results = append(results, domain.FileSearchResult{Path: line, Type: "file"})
		if len(results) >= wire.MaxFileSearchResults {
			break
		}
	}
	return results, nil
}

// searchContent greps tracked files for a fixed string.
func (s *Searcher) searchContent(ctx context.Context, query string) ([]domain.FileSearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "grep", "-n", "-i", "--fixed-strings", "--", query)
	cmd.Dir = s.dir
	output, err := cmd.Output()
	if err != nil {
		// Exit status 1 means no matches.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return []domain.FileSearchResult{}, nil
		}
		return nil, fmt.Errorf("git grep: %w", err)
	}

	results := []domain.FileSearchResult{}
	for _, line := range strings.Split(string(output), "\n") {
		result, ok := parseGrepLine(line)
		if !ok {
			continue
		}
		results = append(results, result)
		if len(results) >= wire.MaxFileSearchResults {
			break
		}
	}
	return results, nil
}

// parseGrepLine splits one "path:line:content" grep hit. Paths containing
// colons are rare enough to accept the first-colon split.
func parseGrepLine(line string) (domain.FileSearchResult, bool) {
	if line == "" {
		return domain.FileSearchResult{}, false
	}
	parts := strings.SplitN(line, ":", 3)
	if len(parts) != 3 {
		return domain.FileSearchResult{}, false
	}
	lineNumber, err := strconv.Atoi(parts[1])
	if err != nil {
		return domain.FileSearchResult{}, false
	}
	content := parts[2]
	preview := strings.TrimSpace(content)
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return domain.FileSearchResult{
		Path:        parts[0],
		Type:        "content_match",
		LineNumber:  lineNumber,
		LineContent: content,
		Preview:     preview,
	}, true
}
