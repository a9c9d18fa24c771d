package remote

import (
	"context"
	"path"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/firecrest"
)

// fakeFS is an in-memory remote filesystem recording how often it is called.
type fakeFS struct {
	nodes map[string]fakeNode // path -> node
	stats int
	lists int
}

type fakeNode struct {
	typ  string
	size int64
}

func newFakeFS(paths map[string]fakeNode) *fakeFS {
	return &fakeFS{nodes: paths}
}

func (f *fakeFS) Stat(ctx context.Context, p string) (firecrest.StatRecord, error) {
	f.stats++
	node, ok := f.nodes[path.Clean(p)]
	if !ok {
		return firecrest.StatRecord{}, domain.Errorf(domain.KindNotFound, "remote path not found: %s", p)
	}
	mode := int64(0o100644)
	switch node.typ {
	case "d":
		mode = 0o040755
	case "l":
		mode = 0o120777
	}
	return firecrest.StatRecord{Size: node.size, Mode: mode}, nil
}

func (f *fakeFS) ListFiles(ctx context.Context, p string, showHidden bool) ([]firecrest.LsFile, error) {
	f.lists++
	p = path.Clean(p)
	if node, ok := f.nodes[p]; !ok || node.typ != "d" {
		return nil, domain.Errorf(domain.KindNotFound, "remote path not found: %s", p)
	}
	var out []firecrest.LsFile
	prefix := strings.TrimSuffix(p, "/") + "/"
	for candidate, node := range f.nodes {
		if !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := strings.TrimPrefix(candidate, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, firecrest.LsFile{Name: rest, Type: node.typ, Size: node.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func testTree() *fakeFS {
	return newFakeFS(map[string]fakeNode{
		"/jobs":                  {typ: "d"},
		"/jobs/job.sh":           {typ: "-", size: 20},
		"/jobs/out.txt":          {typ: "-", size: 3},
		"/jobs/link.txt":         {typ: "l"},
		"/jobs/results":          {typ: "d"},
		"/jobs/results/a.dat":    {typ: "-", size: 100},
		"/jobs/results/b.txt":    {typ: "-", size: 5},
		"/jobs/results/deep":     {typ: "d"},
		"/jobs/results/deep/c":   {typ: "-", size: 7},
		"/jobs/results/deep/sub": {typ: "d"},
	})
}

func globNames(t *testing.T, pattern string) []string {
	t.Helper()
	fs := testTree()
	root := NewPathWithInfo(fs, "/jobs", TypeDirectory, 0)
	matches, err := Glob(context.Background(), root, pattern)
	require.NoError(t, err)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.PathString())
	}
	sort.Strings(names)
	return names
}

func TestGlobPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{"*.txt", []string{"/jobs/link.txt", "/jobs/out.txt"}},
		{"results/*.dat", []string{"/jobs/results/a.dat"}},
		{"results/*", []string{"/jobs/results/a.dat", "/jobs/results/b.txt", "/jobs/results/deep"}},
		{"**", []string{
			"/jobs/job.sh", "/jobs/link.txt", "/jobs/out.txt", "/jobs/results",
			"/jobs/results/a.dat", "/jobs/results/b.txt", "/jobs/results/deep",
			"/jobs/results/deep/c", "/jobs/results/deep/sub",
		}},
		{"**/*.txt", []string{"/jobs/link.txt", "/jobs/out.txt", "/jobs/results/b.txt"}},
		{"results/deep/?", []string{"/jobs/results/deep/c"}},
		{"[or]*", []string{"/jobs/out.txt", "/jobs/results"}},
		{"nomatch*", nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, globNames(t, tt.pattern))
		})
	}
}

func TestGlobDoesNotDescendBeyondPattern(t *testing.T) {
	fs := testTree()
	root := NewPathWithInfo(fs, "/jobs", TypeDirectory, 0)
	_, err := Glob(context.Background(), root, "*.txt")
	require.NoError(t, err)
	// A single-segment pattern needs only the root listing.
	assert.Equal(t, 1, fs.lists)
}

func TestGlobInvalidPattern(t *testing.T) {
	fs := testTree()
	root := NewPathWithInfo(fs, "/jobs", TypeDirectory, 0)
	_, err := Glob(context.Background(), root, "[unclosed")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestPathLazyStatCachesAbsent(t *testing.T) {
	fs := testTree()
	p := NewPath(fs, "/jobs/missing.txt")

	exists, err := p.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	// Second metadata access must not stat again.
	_, ok, err := p.Size(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fs.stats)
}

func TestPathMetadata(t *testing.T) {
	fs := testTree()

	file := NewPath(fs, "/jobs/out.txt")
	isFile, err := file.IsFile(context.Background())
	require.NoError(t, err)
	assert.True(t, isFile)
	size, ok, err := file.Size(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), size)
	assert.Equal(t, 1, fs.stats)

	dir := NewPath(fs, "/jobs/results")
	isDir, err := dir.IsDir(context.Background())
	require.NoError(t, err)
	assert.True(t, isDir)

	link := NewPath(fs, "/jobs/link.txt")
	isLink, err := link.IsSymlink(context.Background())
	require.NoError(t, err)
	assert.True(t, isLink)
}

func TestIterdirPopulatesMetadataEagerly(t *testing.T) {
	fs := testTree()
	dir := NewPath(fs, "/jobs/results")
	children, err := dir.Iterdir(context.Background())
	require.NoError(t, err)
	require.Len(t, children, 3)

	statsBefore := fs.stats
	for _, child := range children {
		_, _, err := child.Size(context.Background())
		require.NoError(t, err)
	}
	// Children carry type and size from the listing; no further stats.
	assert.Equal(t, statsBefore, fs.stats)
}

func TestJoinpath(t *testing.T) {
	fs := testTree()
	p := NewPath(fs, "/jobs").Joinpath("results", "deep", "c")
	assert.Equal(t, "/jobs/results/deep/c", p.PathString())
}
