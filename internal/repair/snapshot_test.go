package repair

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotRestoresTreeExactly(t *testing.T) {
	work := t.TempDir()
	snaps := NewSnapshotter(filepath.Join(t.TempDir(), "backups"))

	require.NoError(t, os.MkdirAll(filepath.Join(work, "dist", "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "dist", "index.html"), []byte("<html>v1</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "dist", "assets", "app.js"), []byte("console.log(1)"), 0o644))

	id, err := snaps.Take(work, []string{"dist", "lockfile.json"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(snaps.dir, id+".tar.zst"))
	require.NoError(t, err)

	// Damage the tree: change, add, delete, and create a previously absent path.
	require.NoError(t, os.WriteFile(filepath.Join(work, "dist", "index.html"), []byte("broken"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "dist", "extra.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(work, "dist", "assets", "app.js")))
	require.NoError(t, os.WriteFile(filepath.Join(work, "lockfile.json"), []byte("{}"), 0o644))

	require.NoError(t, snaps.Restore(id))

	data, err := os.ReadFile(filepath.Join(work, "dist", "index.html"))
	require.NoError(t, err)
	require.Equal(t, "<html>v1</html>", string(data))
	data, err = os.ReadFile(filepath.Join(work, "dist", "assets", "app.js"))
	require.NoError(t, err)
	require.Equal(t, "console.log(1)", string(data))
	require.NoFileExists(t, filepath.Join(work, "dist", "extra.txt"))
	require.NoFileExists(t, filepath.Join(work, "lockfile.json"))

	require.NoError(t, snaps.Discard(id))
	require.NoError(t, snaps.Discard(id), "discarding twice is a no-op")
}

func TestSnapshotRejectsEscapingPaths(t *testing.T) {
	snaps := NewSnapshotter(t.TempDir())
	_, err := snaps.Take(t.TempDir(), []string{"../etc"})
	require.Error(t, err)
	_, err = snaps.Take(t.TempDir(), []string{"/etc/passwd"})
	require.Error(t, err)
}
