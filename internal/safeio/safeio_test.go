package safeio

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTreeAndReadBack(t *testing.T) {
	fsys, err := NewSafeFS(t.TempDir())
	require.NoError(t, err)

	files := map[string]string{
		"main.py":         "print('hi')\n",
		"pkg/util.py":     "X = 1\n",
		"pkg/sub/deep.py": "",
	}
	require.NoError(t, fsys.WriteTree(files))

	b, err := fsys.ReadFile("pkg/util.py")
	require.NoError(t, err)
	assert.Equal(t, "X = 1\n", string(b))

	got, err := fsys.ReadTree(".")
	require.NoError(t, err)
	assert.Equal(t, files, got)

	b, err = fs.ReadFile(fsys, "main.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(b))
}

func TestRejectsTraversal(t *testing.T) {
	fsys, err := NewSafeFS(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"../x", "a/../../x", "/etc/passwd", ".."} {
		err := fsys.WriteFile(p, []byte("x"), 0o644)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}
	_, err = fsys.ReadFile("../x")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	fsys, err := NewSafeFS(root)
	require.NoError(t, err)

	err = fsys.WriteFile("link/evil.txt", []byte("x"), 0o644)
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, statErr := os.Stat(filepath.Join(outside, "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestTempWorkspaceCleanup(t *testing.T) {
	fsys, cleanup, err := TempWorkspace("safeio-test-")
	require.NoError(t, err)
	require.NoError(t, fsys.WriteFile("a.txt", []byte("a"), 0o644))
	root := fsys.Root()

	cleanup()
	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

func TestNewSafeFSRequiresDirectory(t *testing.T) {
	_, err := NewSafeFS("")
	assert.Error(t, err)

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	_, err = NewSafeFS(f)
	assert.Error(t, err)
}
