package nar_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/nar"
)

func buildSampleTree(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "hello"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "share", "doc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "share", "doc", "README"), []byte("docs"), 0o644))
	require.NoError(t, os.Symlink("bin/hello", filepath.Join(dir, "run")))

	return dir
}

func TestDumpPath(t *testing.T) {
	dir := buildSampleTree(t)

	var buf bytes.Buffer
	require.NoError(t, nar.DumpPath(&buf, dir))

	nr := nar.NewReader(&buf)

	var (
		paths []string
		types []nar.NodeType
	)

	for {
		h, err := nr.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
		paths = append(paths, h.Path)
		types = append(types, h.Type)

		switch h.Path {
		case "/bin/hello":
			assert.True(t, h.Executable)
			content, err := io.ReadAll(nr)
			require.NoError(t, err)
			assert.Equal(t, "#!/bin/sh\necho hi\n", string(content))
		case "/run":
			assert.Equal(t, "bin/hello", h.LinkTarget)
		}
	}

	assert.Equal(t, []string{"/", "/bin", "/bin/hello", "/run", "/share", "/share/doc", "/share/doc/README"}, paths)
	assert.Equal(t, []nar.NodeType{
		nar.TypeDirectory, nar.TypeDirectory, nar.TypeRegular,
		nar.TypeSymlink, nar.TypeDirectory, nar.TypeDirectory, nar.TypeRegular,
	}, types)
}

func TestDumpSingleFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(file, []byte("content"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, nar.DumpPath(&buf, file))

	nr := nar.NewReader(&buf)
	h, err := nr.Next()
	require.NoError(t, err)
	assert.Equal(t, "/", h.Path)
	assert.Equal(t, nar.TypeRegular, h.Type)
	assert.False(t, h.Executable)
}

func TestDumpFilter(t *testing.T) {
	dir := buildSampleTree(t)

	var buf bytes.Buffer
	require.NoError(t, nar.DumpPath(&buf, dir, nar.WithFilter(func(fsPath string, _ nar.NodeType) bool {
		return filepath.Base(fsPath) != "share"
	})))

	nr := nar.NewReader(&buf)

	var paths []string

	for {
		h, err := nr.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
		paths = append(paths, h.Path)
	}

	assert.Equal(t, []string{"/", "/bin", "/bin/hello", "/run"}, paths)
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	dir := buildSampleTree(t)

	var buf bytes.Buffer
	require.NoError(t, nar.DumpPath(&buf, dir))
	first := append([]byte{}, buf.Bytes()...)

	restored := filepath.Join(t.TempDir(), "out")
	require.NoError(t, nar.Restore(&buf, restored))

	// Dumping the restored tree reproduces the archive byte for byte.
	var second bytes.Buffer
	require.NoError(t, nar.DumpPath(&second, restored))
	assert.Equal(t, first, second.Bytes())

	target, err := os.Readlink(filepath.Join(restored, "run"))
	require.NoError(t, err)
	assert.Equal(t, "bin/hello", target)

	fi, err := os.Lstat(filepath.Join(restored, "bin", "hello"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&0o100)
}

func TestRestoreSingleFile(t *testing.T) {
	raw := writeTree(t, []treeNode{
		{header: nar.Header{Path: "/", Type: nar.TypeRegular, Size: 5}, content: "hello"},
	})

	target := filepath.Join(t.TempDir(), "file")
	require.NoError(t, nar.Restore(bytes.NewReader(raw), target))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}
