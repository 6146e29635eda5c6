package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker bool

func (c staticChecker) CheckDependencies() bool {
	return bool(c)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"logs/a.log":        "first log",
		"logs/nested/b.log": "second log",
		"report.json":       `{"ok":true}`,
	})
	require.NoError(t, os.Symlink("report.json", filepath.Join(src, "latest.json")))

	archivePath := filepath.Join(t.TempDir(), "upload.tzst")
	archiver := NewArchiver(log.NewLogger(), env.NewRepository(), staticChecker(false))

	err := archiver.Compress(archivePath, []string{filepath.Join(src, "logs"), filepath.Join(src, "report.json"), filepath.Join(src, "latest.json")}, DefaultCompressionLevel)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, archiver.Decompress(archivePath, dest))

	for name, want := range map[string]string{
		"logs/a.log":        "first log",
		"logs/nested/b.log": "second log",
		"report.json":       `{"ok":true}`,
	} {
		got, err := os.ReadFile(filepath.Join(dest, src, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got), name)
	}

	link, err := os.Readlink(filepath.Join(dest, src, "latest.json"))
	require.NoError(t, err)
	assert.Equal(t, "report.json", link)
}

func TestArchiver_CompressionLevel(t *testing.T) {
	archiver := NewArchiver(log.NewLogger(), env.NewRepository(), staticChecker(false))

	err := archiver.Compress(filepath.Join(t.TempDir(), "a.tzst"), []string{t.TempDir()}, 0)
	require.Error(t, err)

	err = archiver.Compress(filepath.Join(t.TempDir(), "a.tzst"), []string{t.TempDir()}, 20)
	require.Error(t, err)
}

func TestArchiver_MissingPath(t *testing.T) {
	archiver := NewArchiver(log.NewLogger(), env.NewRepository(), staticChecker(false))

	archivePath := filepath.Join(t.TempDir(), "a.tzst")

	err := archiver.Compress(archivePath, []string{filepath.Join(t.TempDir(), "missing")}, DefaultCompressionLevel)
	require.Error(t, err)

	_, err = os.Stat(archivePath)
	assert.True(t, os.IsNotExist(err), "partial archive left behind")
}

func TestAreAllPathsEmpty(t *testing.T) {
	basePath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "empty_dir"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "dir_with_dir_child", "nested_empty_dir"), 0700))
	writeTree(t, basePath, map[string]string{"first_level/second_level/nested_file.txt": "hello"})

	tests := []struct {
		name         string
		includePaths []string
		want         bool
	}{
		{
			name:         "single empty dir",
			includePaths: []string{filepath.Join(basePath, "empty_dir")},
			want:         true,
		},
		{
			name:         "file",
			includePaths: []string{filepath.Join(basePath, "first_level", "second_level", "nested_file.txt")},
			want:         false,
		},
		{
			name:         "empty dir within dir",
			includePaths: []string{filepath.Join(basePath, "dir_with_dir_child")},
			want:         false,
		},
		{
			name:         "empty and non-empty dirs",
			includePaths: []string{filepath.Join(basePath, "empty_dir"), filepath.Join(basePath, "first_level")},
			want:         false,
		},
		{
			name:         "nonexistent dir",
			includePaths: []string{filepath.Join(basePath, "this doesn't exist")},
			want:         true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AreAllPathsEmpty(tt.includePaths))
		})
	}
}

func TestPathEvaluator_Evaluate(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"logs/a.log":        "a",
		"logs/nested/b.log": "b",
		"logs/c.txt":        "c",
		"report.json":       "{}",
	})
	evaluator := NewPathEvaluator(log.NewLogger(), pathutil.NewPathModifier(), pathutil.NewPathChecker())

	paths, err := evaluator.Evaluate([]string{
		filepath.Join(root, "logs", "**", "*.log"),
		filepath.Join(root, "report.json"),
		filepath.Join(root, "missing.json"),
		filepath.Join(root, "nothing", "*.bin"),
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "logs", "a.log"),
		filepath.Join(root, "logs", "nested", "b.log"),
		filepath.Join(root, "report.json"),
	}, paths)
}

func TestEntryTarget(t *testing.T) {
	dir := filepath.Join(string(filepath.Separator), "dest")
	tests := []struct {
		name    string
		dir     string
		entry   string
		want    string
		wantErr bool
	}{
		{name: "relative entry", dir: dir, entry: "logs/a.log", want: filepath.Join(dir, "logs", "a.log")},
		{name: "absolute entry", dir: dir, entry: "/tmp/a.log", want: filepath.Join(dir, "tmp", "a.log")},
		{name: "no destination", dir: "", entry: "/tmp/a.log", want: filepath.FromSlash("/tmp/a.log")},
		{name: "parent escape", dir: dir, entry: "../etc/passwd", wantErr: true},
		{name: "nested escape", dir: dir, entry: "logs/../../etc/passwd", wantErr: true},
		{name: "dot dot prefixed name", dir: dir, entry: "..hidden", want: filepath.Join(dir, "..hidden")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := entryTarget(tt.dir, tt.entry)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type testEntry struct {
	name     string
	linkname string
	content  string
}

func writeTestArchive(t *testing.T, entries []testEntry) string {
	archivePath := filepath.Join(t.TempDir(), "crafted.tzst")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)

	for _, e := range entries {
		header := &tar.Header{Name: e.name, Mode: 0644, Typeflag: tar.TypeReg, Size: int64(len(e.content))}
		if e.linkname != "" {
			header = &tar.Header{Name: e.name, Mode: 0777, Typeflag: tar.TypeSymlink, Linkname: e.linkname}
		}
		require.NoError(t, tw.WriteHeader(header))
		if header.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return archivePath
}

func TestArchiver_DecompressStaysInDestination(t *testing.T) {
	tests := []struct {
		name    string
		entries func(outside string) []testEntry
		prepare func(t *testing.T, dest, outside string)
		wantErr bool
	}{
		{
			name: "absolute symlink then a file through it",
			entries: func(outside string) []testEntry {
				return []testEntry{{name: "link", linkname: outside}, {name: "link/escaped.txt", content: "x"}}
			},
			wantErr: true,
		},
		{
			name: "relative symlink leaving the destination",
			entries: func(outside string) []testEntry {
				return []testEntry{{name: "dir/link", linkname: "../../../../../../../../" + outside}, {name: "dir/link/escaped.txt", content: "x"}}
			},
			wantErr: true,
		},
		{
			name: "file through a symlink already in the destination",
			entries: func(outside string) []testEntry {
				return []testEntry{{name: "link/escaped.txt", content: "x"}}
			},
			prepare: func(t *testing.T, dest, outside string) {
				require.NoError(t, os.Symlink(outside, filepath.Join(dest, "link")))
			},
			wantErr: true,
		},
		{
			name: "file replacing a symlink already in the destination",
			entries: func(outside string) []testEntry {
				return []testEntry{{name: "escaped.txt", content: "x"}}
			},
			prepare: func(t *testing.T, dest, outside string) {
				require.NoError(t, os.Symlink(filepath.Join(outside, "escaped.txt"), filepath.Join(dest, "escaped.txt")))
			},
		},
		{
			name: "relative symlink inside the destination",
			entries: func(outside string) []testEntry {
				return []testEntry{{name: "logs/a.log", content: "a"}, {name: "latest.log", linkname: "logs/a.log"}}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			outside := t.TempDir()
			if tt.prepare != nil {
				tt.prepare(t, dest, outside)
			}
			archivePath := writeTestArchive(t, tt.entries(outside))
			archiver := NewArchiver(log.NewLogger(), env.NewRepository(), staticChecker(false))

			err := archiver.Decompress(archivePath, dest)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			_, statErr := os.Stat(filepath.Join(outside, "escaped.txt"))
			assert.True(t, os.IsNotExist(statErr), "file written outside of the destination")
		})
	}
}
