package cli_test

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jayminwest/kotadb/internal/cli"
)

// run invokes the CLI with stdin content and returns exit code and output.
func run(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()

	var out, errOut bytes.Buffer

	code := cli.Run(strings.NewReader(stdin), &out, &errOut, append([]string{"kotadb"}, args...))

	return code, out.String(), errOut.String()
}

func TestNoArgsPrintsUsage(t *testing.T) {
	t.Parallel()

	code, out, _ := run(t, "")
	require.Equal(t, 0, code)
	require.Contains(t, out, "Usage:")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	code, _, errOut := run(t, "", "frobnicate")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "unknown command")
}

func TestInitCreatesDataDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "db")

	code, out, errOut := run(t, "", "init", "--data-dir", dir)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "initialized")
}

func TestInsertGetSearchStats(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "db")

	// Insert from stdin, JSON output to capture the id.
	code, out, errOut := run(t, "hello from the cli",
		"insert", "--data-dir", dir,
		"--path", "/cli/doc.md", "--title", "CLI Doc", "--tag", "cli", "--json")
	require.Equal(t, 0, code, errOut)

	var created struct {
		ID string `json:"id"`
	}

	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.ID)

	// Get by id.
	code, out, errOut = run(t, "", "get", "--data-dir", dir, created.ID)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "/cli/doc.md")
	require.Contains(t, out, "hello from the cli")
	require.Contains(t, out, "cli")

	// Full-text search.
	code, out, errOut = run(t, "", "search", "--data-dir", dir, "hello")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, created.ID)

	// Path query.
	code, out, errOut = run(t, "", "search", "--data-dir", dir, "/cli/doc.md")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, created.ID)

	// Stats.
	code, out, errOut = run(t, "", "stats", "--data-dir", dir, "--json")
	require.Equal(t, 0, code, errOut)

	var stats struct {
		DocCount int `json:"doc_count"`
	}

	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 1, stats.DocCount)
}

func TestGetMissingDocumentFails(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "db")

	_, _, errOut := run(t, "", "init", "--data-dir", dir)
	require.Empty(t, errOut)

	code, _, errOut := run(t, "", "get", "--data-dir", dir,
		"123e4567-e89b-12d3-a456-426614174000")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "error")
}

func TestInsertValidatesPath(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "db")

	code, _, errOut := run(t, "content",
		"insert", "--data-dir", dir, "--path", "not-absolute", "--title", "T")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "invalid input")
}

func TestSearchNoResults(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "db")

	_, _, _ = run(t, "", "init", "--data-dir", dir)

	code, out, errOut := run(t, "", "search", "--data-dir", dir, "nothingmatches")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "no results")
}