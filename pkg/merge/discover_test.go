package merge

import (
	"os"
	"path/filepath"
	"testing"

	mergeconfig "github.com/omnistat/omnistat/pkg/config/merge"
	"github.com/omnistat/omnistat/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	seedSource(t, root, "job-b")
	seedSource(t, root, "job-a")
	seedSource(t, root, util.DefaultMergedDirName)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "no-lock", util.DataDirName), 0755))
	require.NoError(t, util.TouchFile(filepath.Join(root, "stray-file")))
	config := testConfig(t, root)
	config.TargetDir = filepath.Join(root, "output")
	seedSource(t, root, "output")
	require.NoError(t, util.TouchFile(filepath.Join(config.TargetDir, ".job-b")))

	databases, err := Discover(config)
	require.NoError(t, err)
	var names []string
	for _, db := range databases {
		names = append(names, db.Name)
	}
	assert.Equal(t, []string{"job-a", "job-b", "no-lock"}, names)
	assert.True(t, databases[0].Valid)
	assert.False(t, databases[0].Merged)
	assert.True(t, databases[1].Merged)
	assert.Equal(t, filepath.Join(config.TargetDir, ".job-b"), databases[1].MarkerPath)
	assert.False(t, databases[2].Valid)
}

func TestDiscover_MissingRoot(t *testing.T) {
	config := testConfig(t, t.TempDir())
	config.SourceRoot = filepath.Join(config.SourceRoot, "missing")
	_, err := Discover(config)
	assert.Error(t, err)
}

func TestMarkerPath(t *testing.T) {
	config := mergeconfig.Default()
	config.Mode = mergeconfig.ModeMulti
	config.TargetDir = "/data/merged"
	db := DatabaseDirectory{Name: "jobA", Path: "/data/jobA"}
	assert.Equal(t, "/data/merged/.jobA", MarkerPath(&config, db))

	config.Mode = mergeconfig.ModeSingle
	assert.Equal(t, "/data/jobA/.omnistat-loaded", MarkerPath(&config, db))

	config.MarkerName = ".done"
	config.MarkerPlacement = mergeconfig.MarkerInSource
	config.Mode = mergeconfig.ModeMulti
	assert.Equal(t, "/data/jobA/.done", MarkerPath(&config, db))
}

func TestIsValidDatabase(t *testing.T) {
	root := t.TempDir()
	assert.False(t, IsValidDatabase(root))
	require.NoError(t, os.Mkdir(filepath.Join(root, util.DataDirName), 0755))
	assert.False(t, IsValidDatabase(root))
	require.NoError(t, util.TouchFile(filepath.Join(root, util.LockFileName)))
	assert.True(t, IsValidDatabase(root))
}
