package merge

import (
	"fmt"
	"path/filepath"

	mergeconfig "github.com/omnistat/omnistat/pkg/config/merge"
	"github.com/omnistat/omnistat/pkg/util"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Discover lists the candidate databases of the session in name order.
// In single mode the source root itself is the only candidate; in multi
// mode every immediate subdirectory is, except the merged output directory
// and the target directory.
func Discover(config *mergeconfig.Config) ([]DatabaseDirectory, error) {
	root, err := filepath.Abs(config.SourceRoot)
	if err != nil {
		return nil, err
	}
	if !util.IsDir(root) {
		return nil, fmt.Errorf("source root %s is not a directory", config.SourceRoot)
	}
	if config.Mode == mergeconfig.ModeSingle {
		return []DatabaseDirectory{inspect(config, root)}, nil
	}

	target, err := filepath.Abs(config.TargetDir)
	if err != nil {
		return nil, err
	}
	reserved := sets.New(config.MergedDirName)
	paths, err := util.SubDirectories(root)
	if err != nil {
		return nil, err
	}
	var databases []DatabaseDirectory
	for _, path := range paths {
		if reserved.Has(filepath.Base(path)) || path == target {
			continue
		}
		databases = append(databases, inspect(config, path))
	}
	return databases, nil
}

func inspect(config *mergeconfig.Config, path string) DatabaseDirectory {
	db := DatabaseDirectory{
		Name:  filepath.Base(path),
		Path:  path,
		Valid: IsValidDatabase(path),
	}
	db.MarkerPath = MarkerPath(config, db)
	db.Merged = util.IsRegularFile(db.MarkerPath)
	return db
}

// IsValidDatabase reports whether path holds the lock file and the data
// directory of a time-series server.
func IsValidDatabase(path string) bool {
	return util.IsRegularFile(filepath.Join(path, util.LockFileName)) &&
		util.IsDir(filepath.Join(path, util.DataDirName))
}

// MarkerPath returns the completion marker location of db: a hidden file
// named after the database in the target directory, or a marker file inside
// the database itself.
func MarkerPath(config *mergeconfig.Config, db DatabaseDirectory) string {
	if config.EffectiveMarkerPlacement() == mergeconfig.MarkerInSource {
		return filepath.Join(db.Path, config.MarkerName)
	}
	return filepath.Join(config.TargetDir, "."+db.Name)
}
