package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreparePayload_SingleFile(t *testing.T) {
	path := writeFile(t, "report.txt", "report")

	got, cleanup, err := preparePayload(Config{}, log.NewLogger(), []string{path}, false)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, path, got)
}

func TestPreparePayload_Archive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "a.log"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "b.log"), []byte("b"), 0o600))
	cfg := Config{Archive: ArchiveConfig{CompressionLevel: 3}}

	got, cleanup, err := preparePayload(cfg, log.NewLogger(), []string{filepath.Join(dir, "logs")}, true)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(got, ".tzst"))
	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	cleanup()
	_, err = os.Stat(got)
	assert.True(t, os.IsNotExist(err))
}

func TestPreparePayload_Empty(t *testing.T) {
	dir := t.TempDir()

	_, cleanup, err := preparePayload(Config{}, log.NewLogger(), []string{dir}, false)
	defer cleanup()

	assert.Error(t, err)
}
