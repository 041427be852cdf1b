package filesearch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initRepo creates a throwaway git repository with a couple of tracked files.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("relay notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	return dir
}

func TestSearchFilenames(t *testing.T) {
	s := New(initRepo(t))
	results, err := s.Search(context.Background(), "MAIN", "filename")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Path != "main.go" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Type != "file" {
		t.Errorf("type = %q", results[0].Type)
	}
}

func TestSearchContent(t *testing.T) {
	s := New(initRepo(t))
	results, err := s.Search(context.Background(), "relay", "content")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Path != "readme.md" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].LineNumber != 1 {
		t.Errorf("lineNumber = %d", results[0].LineNumber)
	}
}

func TestSearchContentNoMatches(t *testing.T) {
	s := New(initRepo(t))
	results, err := s.Search(context.Background(), "definitely-not-present", "content")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v", results)
	}
}

func TestSearchUnknownType(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Search(context.Background(), "x", "regex"); err == nil {
		t.Fatal("expected an error for an unknown search type")
	}
}

func TestParseGrepLine(t *testing.T) {
	result, ok := parseGrepLine("internal/server/server.go:42:func New(cfg *config.Config) *Server {")
	if !ok {
		t.Fatal("expected a parsed result")
	}
	if result.Path != "internal/server/server.go" {
		t.Errorf("path = %q", result.Path)
	}
	if result.LineNumber != 42 {
		t.Errorf("lineNumber = %d, want 42", result.LineNumber)
	}
	if result.Type != "content_match" {
		t.Errorf("type = %q", result.Type)
	}
	if result.LineContent != "func New(cfg *config.Config) *Server {" {
		t.Errorf("lineContent = %q", result.LineContent)
	}
}

func TestParseGrepLinePreviewTrimmed(t *testing.T) {
	result, ok := parseGrepLine("a.go:1:   indented content   ")
	if !ok {
		t.Fatal("expected a parsed result")
	}
	if result.Preview != "indented content" {
		t.Errorf("preview = %q", result.Preview)
	}
}

func TestParseGrepLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{"", "no-colons-here", "path:notanumber:content", "path:12"} {
		if _, ok := parseGrepLine(line); ok {
			t.Errorf("parseGrepLine(%q) accepted malformed input", line)
		}
	}
}

func TestParseGrepLineLongContent(t *testing.T) {
	content := ""
	for i := 0; i < 50; i++ {
		content += "0123456789"
	}
	result, ok := parseGrepLine("a.go:5:" + content)
	if !ok {
		t.Fatal("expected a parsed result")
	}
	if len(result.Preview) != 200 {
		t.Errorf("preview length = %d, want 200", len(result.Preview))
	}
	if result.LineContent != content {
		t.Error("lineContent should keep the full line")
	}
}
