package merge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mergeconfig "github.com/omnistat/omnistat/pkg/config/merge"
	"github.com/omnistat/omnistat/pkg/tsdb/transfer"
	"github.com/omnistat/omnistat/pkg/tsdb/tsdbtest"
	"github.com/omnistat/omnistat/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSession(t *testing.T, config *mergeconfig.Config, fake *fakeSupervisor) (*Report, string, error) {
	t.Helper()
	var output bytes.Buffer
	coordinator := NewCoordinator(config, fake, transfer.NewAgent(config.TransferFile), WithOutput(&output))
	report, err := coordinator.Run(context.Background())
	return report, output.String(), err
}

func targetNames(t *testing.T, config *mergeconfig.Config) []string {
	t.Helper()
	series, err := tsdbtest.StoredSeries(config.TargetDir)
	require.NoError(t, err)
	var names []string
	for _, s := range series {
		names = append(names, s.Name()+"/"+s.Metric["jobid"])
	}
	return names
}

func TestCoordinator_Idempotence(t *testing.T) {
	root := t.TempDir()
	seedSource(t, root, "jobA", jobSeries("1001")...)
	seedSource(t, root, "jobB", jobSeries("1002")...)
	config := testConfig(t, root)

	report, output, err := runSession(t, config, newFakeSupervisor())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Merged())
	assert.Equal(t, "Loaded 2 new database(s)\n", output)
	assert.ElementsMatch(t, []string{
		"rmsjob_info/1001", "rocm_utilization_percentage/1001",
		"rmsjob_info/1002", "rocm_utilization_percentage/1002",
	}, targetNames(t, config))

	report, output, err = runSession(t, config, newFakeSupervisor())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Merged())
	assert.Equal(t, 2, report.Count(SourceSkipped))
	for _, source := range report.Sources {
		assert.ErrorIs(t, source.Err, ErrAlreadyMerged)
	}
	assert.Equal(t, "Loaded 0 new database(s)\n", output)

	config.ForceReload = true
	report, _, err = runSession(t, config, newFakeSupervisor())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Merged())
}

func TestCoordinator_IsolationOfFailure(t *testing.T) {
	root := t.TempDir()
	seedSource(t, root, "jobA", jobSeries("1")...)
	broken := filepath.Join(root, "jobB")
	require.NoError(t, os.MkdirAll(broken, 0755))
	require.NoError(t, util.TouchFile(filepath.Join(broken, util.LockFileName)))
	seedSource(t, root, "jobC", jobSeries("3")...)
	config := testConfig(t, root)
	fake := newFakeSupervisor()

	report, output, err := runSession(t, config, fake)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Merged())
	assert.Equal(t, 1, report.Count(SourceSkipped))
	assert.Equal(t, "jobB", report.Sources[1].Name)
	assert.ErrorIs(t, report.Sources[1].Err, ErrInvalidSourceDirectory)
	assert.NoError(t, report.Err())
	assert.Equal(t, "Loaded 2 new database(s)\n", output)
	assert.Zero(t, fake.starts["jobB"])
}

func TestCoordinator_TargetStartedOnce(t *testing.T) {
	root := t.TempDir()
	names := []string{"job1", "job2", "job3", "job4", "job5"}
	for _, name := range names {
		seedSource(t, root, name, jobSeries(name)...)
	}
	config := testConfig(t, root)
	fake := newFakeSupervisor()

	report, _, err := runSession(t, config, fake)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Merged())
	assert.Equal(t, 1, fake.starts[util.DefaultMergedDirName])
	assert.Equal(t, 1, fake.stops[util.DefaultMergedDirName])
	for _, name := range names {
		assert.Equal(t, 1, fake.starts[name], name)
		assert.Equal(t, 1, fake.stops[name], name)
	}
	assert.Equal(t, "start merged", fake.calls[0])
	assert.Equal(t, "stop merged", fake.calls[len(fake.calls)-1])
	assert.Empty(t, fake.running)
}

func TestCoordinator_MarkerPlacement(t *testing.T) {
	t.Run("example 1: hidden marker in target", func(t *testing.T) {
		root := t.TempDir()
		seedSource(t, root, "jobA", jobSeries("1")...)
		config := testConfig(t, root)

		_, _, err := runSession(t, config, newFakeSupervisor())
		require.NoError(t, err)
		marker := filepath.Join(config.TargetDir, ".jobA")
		info, err := os.Stat(marker)
		require.NoError(t, err)
		assert.Zero(t, info.Size())

		fake := newFakeSupervisor()
		report, _, err := runSession(t, config, fake)
		require.NoError(t, err)
		require.Len(t, report.Sources, 1)
		assert.Equal(t, SourceSkipped, report.Sources[0].State)
		assert.ErrorIs(t, report.Sources[0].Err, ErrAlreadyMerged)
		assert.Contains(t, report.Sources[0].Err.Error(), "pre-existing")
		assert.Zero(t, fake.starts["jobA"])
	})
	t.Run("example 2: marker file in source", func(t *testing.T) {
		root := t.TempDir()
		source := seedSource(t, root, "jobA", jobSeries("1")...)
		config := testConfig(t, root)
		config.MarkerPlacement = mergeconfig.MarkerInSource

		_, _, err := runSession(t, config, newFakeSupervisor())
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(source, util.DefaultMarkerName))
		assert.NoFileExists(t, filepath.Join(config.TargetDir, ".jobA"))
	})
}

func TestCoordinator_SingleMode(t *testing.T) {
	source := seedSource(t, t.TempDir(), "job42", jobSeries("42")...)
	config := testConfig(t, source)
	config.Mode = mergeconfig.ModeSingle
	config.TargetDir = filepath.Join(t.TempDir(), "merged")

	report, _, err := runSession(t, config, newFakeSupervisor())
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, "job42", report.Sources[0].Name)
	assert.Equal(t, 1, report.Merged())
	assert.FileExists(t, filepath.Join(source, util.DefaultMarkerName))
	assert.ElementsMatch(t, []string{"rmsjob_info/42", "rocm_utilization_percentage/42"}, targetNames(t, config))
}

func TestCoordinator_SourceFailures(t *testing.T) {
	testCases := []struct {
		name      string
		setup     func(fake *fakeSupervisor)
		wantErr   error
		wantKills int
	}{
		{
			name:    "example 1: source never becomes ready",
			setup:   func(fake *fakeSupervisor) { fake.failStart.Insert("jobB") },
			wantErr: ErrSourceUnreachable,
		},
		{
			name:    "example 2: export rejected",
			setup:   func(fake *fakeSupervisor) { fake.failExport.Insert("jobB") },
			wantErr: ErrExportFailed,
		},
		{
			name:      "example 3: source keeps its lock",
			setup:     func(fake *fakeSupervisor) { fake.stopTimeout.Insert("jobB") },
			wantErr:   ErrSourceShutdownTimeout,
			wantKills: 1,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			root := t.TempDir()
			for _, name := range []string{"jobA", "jobB", "jobC"} {
				seedSource(t, root, name, jobSeries(name)...)
			}
			config := testConfig(t, root)
			fake := newFakeSupervisor()
			testCase.setup(fake)

			report, output, err := runSession(t, config, fake)
			require.NoError(t, err)
			assert.Equal(t, 2, report.Merged())
			assert.Equal(t, SourceFailed, report.Sources[1].State)
			assert.ErrorIs(t, report.Sources[1].Err, testCase.wantErr)
			assert.ErrorIs(t, report.Err(), testCase.wantErr)
			assert.Contains(t, report.Err().Error(), "jobB")
			assert.Equal(t, testCase.wantKills, fake.kills["jobB"])
			assert.Equal(t, "Loaded 2 new database(s)\n", output)
			assert.NoFileExists(t, filepath.Join(config.TargetDir, ".jobB"))
			assert.FileExists(t, filepath.Join(config.TargetDir, ".jobC"))
			assert.NotContains(t, targetNames(t, config), "rmsjob_info/jobB")
		})
	}
}

func TestCoordinator_ImportFailedKeepsTransferFile(t *testing.T) {
	root := t.TempDir()
	seedSource(t, root, "jobA", jobSeries("1")...)
	config := testConfig(t, root)
	fake := newFakeSupervisor()
	fake.failImport.Insert(util.DefaultMergedDirName)

	report, _, err := runSession(t, config, fake)
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	assert.ErrorIs(t, report.Sources[0].Err, ErrImportFailed)
	assert.FileExists(t, config.TransferFile)
	assert.NoFileExists(t, filepath.Join(config.TargetDir, ".jobA"))
}

func TestCoordinator_TransferFileRemovedAfterImport(t *testing.T) {
	root := t.TempDir()
	seedSource(t, root, "jobA", jobSeries("1")...)
	config := testConfig(t, root)

	_, _, err := runSession(t, config, newFakeSupervisor())
	require.NoError(t, err)
	assert.NoFileExists(t, config.TransferFile)
}

func TestCoordinator_TargetFailures(t *testing.T) {
	t.Run("example 1: target unreachable", func(t *testing.T) {
		root := t.TempDir()
		seedSource(t, root, "jobA", jobSeries("1")...)
		config := testConfig(t, root)
		fake := newFakeSupervisor()
		fake.failStart.Insert(util.DefaultMergedDirName)

		var output bytes.Buffer
		coordinator := NewCoordinator(config, fake, transfer.NewAgent(config.TransferFile), WithOutput(&output))
		_, err := coordinator.Run(context.Background())
		assert.ErrorIs(t, err, ErrTargetUnreachable)
		assert.Equal(t, SessionFailed, coordinator.State())
		assert.Zero(t, fake.starts["jobA"])
		assert.Empty(t, output.String())
	})
	t.Run("example 2: target keeps its lock", func(t *testing.T) {
		root := t.TempDir()
		seedSource(t, root, "jobA", jobSeries("1")...)
		config := testConfig(t, root)
		fake := newFakeSupervisor()
		fake.stopTimeout.Insert(util.DefaultMergedDirName)

		report, _, err := runSession(t, config, fake)
		assert.ErrorIs(t, err, ErrTargetShutdownTimeout)
		assert.Equal(t, 1, report.Merged())
		assert.Zero(t, fake.kills[util.DefaultMergedDirName])
	})
}

func TestCoordinator_Canceled(t *testing.T) {
	root := t.TempDir()
	seedSource(t, root, "jobA", jobSeries("1")...)
	seedSource(t, root, "jobB", jobSeries("2")...)
	config := testConfig(t, root)
	fake := newFakeSupervisor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	coordinator := NewCoordinator(config, fake, transfer.NewAgent(config.TransferFile), WithOutput(&bytes.Buffer{}))
	report, err := coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(SourceFailed))
	assert.True(t, errors.Is(report.Err(), context.Canceled))
	assert.Equal(t, 1, fake.stops[util.DefaultMergedDirName])
	assert.Equal(t, SessionDone, coordinator.State())
}

func TestCoordinator_MetricsTextfile(t *testing.T) {
	root := t.TempDir()
	seedSource(t, root, "jobA", jobSeries("1")...)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))
	config := testConfig(t, root)
	config.MetricsTextfile = filepath.Join(t.TempDir(), "omnistat_merge.prom")

	coordinator := NewCoordinator(config, newFakeSupervisor(), transfer.NewAgent(config.TransferFile),
		WithOutput(&bytes.Buffer{}), WithSessionID("session-1"))
	_, err := coordinator.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "session-1", coordinator.SessionID())

	data, err := os.ReadFile(config.MetricsTextfile)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `omnistat_merge_databases_total{result="merged"} 1`)
	assert.Contains(t, text, `omnistat_merge_databases_total{result="skipped"} 1`)
	assert.Contains(t, text, `omnistat_merge_databases_total{result="failed"} 0`)
	assert.True(t, strings.Contains(text, "omnistat_merge_last_success_timestamp_seconds"))
}
