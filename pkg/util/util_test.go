package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_BaseURL(t *testing.T) {
	testCases := []struct {
		name    string
		address string
		want    string
	}{
		{
			name:    "example 1: host and port",
			address: "127.0.0.1:9090",
			want:    "http://127.0.0.1:9090",
		},
		{
			name:    "example 2: scheme kept",
			address: "https://tsdb.example.com:8428/",
			want:    "https://tsdb.example.com:8428",
		},
		{
			name:    "example 3: surrounding spaces",
			address: " localhost:9091 ",
			want:    "http://localhost:9091",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.want, BaseURL(testCase.address))
		})
	}
}

func Test_SubDirectories(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"jobC", "jobA", "jobB"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0755))
	}
	require.NoError(t, TouchFile(filepath.Join(root, "notes.txt")))

	dirs, err := SubDirectories(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "jobA"),
		filepath.Join(root, "jobB"),
		filepath.Join(root, "jobC"),
	}, dirs)
}

func Test_TouchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".jobA")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))
	require.NoError(t, TouchFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.True(t, IsRegularFile(path))
	assert.False(t, IsDir(path))
	assert.False(t, PathIsNotExist(path))
}
